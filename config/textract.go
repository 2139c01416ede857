package config

import "time"

// ExtractionConfig controls the extraction client and its backend.
type ExtractionConfig struct {
	// Provider is one of gemini, vertex, textract, ollama, tesseract.
	Provider       string        `yaml:"provider"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	// GateSize bounds concurrent calls to the provider across all documents.
	GateSize  int           `yaml:"gateSize"`
	MaxJitter time.Duration `yaml:"maxJitter"`
	Backoff   BackoffConfig `yaml:"backoff"`

	Gemini    GeminiConfig    `yaml:"gemini"`
	Vertex    VertexConfig    `yaml:"vertex"`
	Textract  TextractConfig  `yaml:"textract"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Tesseract TesseractConfig `yaml:"tesseract"`
}

// BackoffConfig holds the per-class delay unit and cap. The base delay for
// attempt n is min(n*n*unit, cap).
type BackoffConfig struct {
	Timeout   ClassBackoff `yaml:"timeout"`
	RateLimit ClassBackoff `yaml:"rateLimit"`
	Transient ClassBackoff `yaml:"transient"`
}

type ClassBackoff struct {
	Unit time.Duration `yaml:"unit"`
	Cap  time.Duration `yaml:"cap"`
}

type GeminiConfig struct {
	APIKey      string  `yaml:"apiKey"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int32   `yaml:"maxTokens"`
}

type VertexConfig struct {
	ProjectID string `yaml:"projectId"`
	Location  string `yaml:"location"`
	Model     string `yaml:"model"`
}

type TextractConfig struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

type OllamaConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
	DPI     int    `yaml:"dpi"`
}

type TesseractConfig struct {
	Languages []string `yaml:"languages"`
	DPI       int      `yaml:"dpi"`
	// Threshold binarizes pages before recognition; 0 disables it.
	Threshold uint8 `yaml:"threshold"`
}

func defaultExtraction() ExtractionConfig {
	return ExtractionConfig{
		Provider:       "gemini",
		MaxAttempts:    5,
		AttemptTimeout: 120 * time.Second,
		GateSize:       4,
		MaxJitter:      5 * time.Second,
		Backoff: BackoffConfig{
			Timeout:   ClassBackoff{Unit: 3 * time.Second, Cap: 30 * time.Second},
			RateLimit: ClassBackoff{Unit: 10 * time.Second, Cap: 60 * time.Second},
			Transient: ClassBackoff{Unit: 5 * time.Second, Cap: 45 * time.Second},
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			Temperature: 0.1,
			MaxTokens:   8192,
		},
		Vertex: VertexConfig{
			Location: "us-central1",
			Model:    "gemini-2.5-flash",
		},
		Textract: TextractConfig{Region: "us-east-1"},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2-vision",
			DPI:     150,
		},
		Tesseract: TesseractConfig{
			Languages: []string{"eng"},
			DPI:       300,
		},
	}
}

func (g *GeminiConfig) applyEnv() {
	setString(&g.APIKey, "GEMINI_API_KEY")
	setString(&g.Model, "GEMINI_MODEL")
}

func (v *VertexConfig) applyEnv() {
	setString(&v.ProjectID, "GOOGLE_CLOUD_PROJECT")
	setString(&v.Location, "VERTEX_LOCATION")
}

func (t *TextractConfig) applyEnv() {
	setString(&t.Region, "AWS_REGION")
	setString(&t.Endpoint, "AWS_ENDPOINT")
	setString(&t.AccessKey, "AWS_ACCESS_KEY")
	setString(&t.SecretKey, "AWS_SECRET_KEY")
}

func (o *OllamaConfig) applyEnv() {
	setString(&o.BaseURL, "OLLAMA_BASE_URL")
	setString(&o.Model, "OLLAMA_MODEL")
}
