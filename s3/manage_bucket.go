package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// CreateBucket creates the bucket in region. us-east-1 takes no location constraint.
func CreateBucket(ctx context.Context, client *s3.Client, bucketName, region string) error {
	in := &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	}
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	if _, err := client.CreateBucket(ctx, in); err != nil {
		return fmt.Errorf("couldn't create bucket %s in Region %s, details: %w", bucketName, region, err)
	}
	return nil
}
