package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/feichai0017/chunk-extractor/internal/agent/document/pdf"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

var pdfMagic = []byte("%PDF-")

type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

type ValidatorConfig struct {
	MaxFileSize  int64               // bytes
	AllowedTypes map[string][]string // extension -> MIME types
	MaxPageCount int
}

type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
	// Data holds the file contents when the file was readable.
	Data []byte `json:"-"`
}

type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
	Pages     int    `json:"pages,omitempty"`
}

func DefaultConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize:  100 << 20,
		AllowedTypes: map[string][]string{".pdf": {"application/pdf"}},
		MaxPageCount: 2000,
	}
}

func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &DocumentValidator{logger: log.Named("validator"), config: config}
}

// ValidateFile checks an uploaded file. An error is returned only when the
// upload could not be read; rule violations are reported in the result.
func (v *DocumentValidator) ValidateFile(file *multipart.FileHeader) (*ValidationResult, error) {
	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return v.Validate(file.Filename, f)
}

// Validate reads at most one byte past the size limit from r.
func (v *DocumentValidator) Validate(filename string, r io.Reader) (*ValidationResult, error) {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  filename,
			Extension: strings.ToLower(filepath.Ext(filename)),
		},
	}

	data, err := io.ReadAll(io.LimitReader(r, v.config.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	result.FileInfo.Size = int64(len(data))

	if errs := v.performBasicValidation(result.FileInfo); len(errs) > 0 {
		result.fail(errs...)
		return result, nil
	}

	sum := sha256.Sum256(data)
	result.FileInfo.Hash = hex.EncodeToString(sum[:])
	result.FileInfo.MimeType = http.DetectContentType(data)

	if errs := v.validateMimeType(result.FileInfo); len(errs) > 0 {
		result.fail(errs...)
		return result, nil
	}

	pages, errs := v.validatePDF(data)
	result.FileInfo.Pages = pages
	if len(errs) > 0 {
		result.fail(errs...)
		return result, nil
	}

	result.Data = data
	return result, nil
}

func (r *ValidationResult) fail(errs ...ValidationError) {
	r.IsValid = false
	r.Errors = append(r.Errors, errs...)
}

func (v *DocumentValidator) performBasicValidation(info FileInfo) []ValidationError {
	var errs []ValidationError
	if info.Size == 0 {
		errs = append(errs, ValidationError{Code: "EMPTY_FILE", Message: "File is empty", Field: "size"})
	}
	if info.Size > v.config.MaxFileSize {
		errs = append(errs, ValidationError{
			Code:    "FILE_TOO_LARGE",
			Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.config.MaxFileSize),
			Field:   "size",
		})
	}
	if _, ok := v.config.AllowedTypes[info.Extension]; !ok {
		errs = append(errs, ValidationError{
			Code:    "INVALID_FILE_TYPE",
			Message: fmt.Sprintf("File type %s is not allowed", info.Extension),
			Field:   "extension",
		})
	}
	return errs
}

func (v *DocumentValidator) validateMimeType(info FileInfo) []ValidationError {
	for _, mime := range v.config.AllowedTypes[info.Extension] {
		if mime == info.MimeType {
			return nil
		}
	}
	return []ValidationError{{
		Code:    "INVALID_MIME_TYPE",
		Message: fmt.Sprintf("Invalid MIME type %s for extension %s", info.MimeType, info.Extension),
		Field:   "mimeType",
	}}
}

func (v *DocumentValidator) validatePDF(data []byte) (int, []ValidationError) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return 0, []ValidationError{{Code: "INVALID_PDF", Message: "File does not start with a PDF header", Field: "content"}}
	}

	doc, err := pdf.Open(data)
	if err != nil {
		v.logger.Debug("pdf rejected", logger.Error(err))
		return 0, []ValidationError{{Code: "INVALID_PDF", Message: "File is not a readable PDF", Field: "content"}}
	}

	pages := doc.PageCount()
	if v.config.MaxPageCount > 0 && pages > v.config.MaxPageCount {
		return pages, []ValidationError{{
			Code:    "TOO_MANY_PAGES",
			Message: fmt.Sprintf("Document has %d pages, the limit is %d", pages, v.config.MaxPageCount),
			Field:   "pages",
		}}
	}
	return pages, nil
}
