// Package s3 stores revisions in an S3 (or MinIO) bucket.
//
// S3 has no rename: Rename copies the object and deletes the source, so a
// crash between the two leaves both names in place. The persistence engine's
// recovery treats that like any other interrupted commit.
package s3

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sharedcode/annostore"
)

// Connect returns a client for the configured endpoint. A custom endpoint
// (e.g. "http://127.0.0.1:9000" for MinIO) switches to path style addressing.
func Connect(config annostore.S3Config) *s3.Client {
	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if config.AccessKey != "" {
		creds = credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")
	}
	region := config.Region
	if region == "" {
		region = "us-east-1"
	}
	return s3.NewFromConfig(aws.Config{Region: region, Credentials: creds}, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})
}
