package config

import "time"

// StorageConfig selects the object store used for uploads and results.
type StorageConfig struct {
	Type          string      `yaml:"type"` // minio | s3
	UploadPrefix  string      `yaml:"uploadPrefix"`
	ResultPrefix  string      `yaml:"resultPrefix"`
	RetentionDays int         `yaml:"retentionDays"`
	Minio         MinioConfig `yaml:"minio"`
	S3            S3Config    `yaml:"s3"`
}

// Retention is how long uploads and results are kept; zero keeps them.
func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

type MinioConfig struct {
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	Endpoint   string `yaml:"endpoint"`
	UseSSL     bool   `yaml:"useSSL"`
	Region     string `yaml:"region"`
	BucketName string `yaml:"bucketName"`
}

func (m *MinioConfig) applyEnv() {
	setString(&m.AccessKey, "MINIO_ACCESS_KEY")
	setString(&m.SecretKey, "MINIO_SECRET_KEY")
	setString(&m.Endpoint, "MINIO_ENDPOINT")
	setString(&m.Region, "MINIO_REGION")
	setString(&m.BucketName, "MINIO_BUCKET_NAME")
	setBool(&m.UseSSL, "MINIO_USE_SSL")
}
