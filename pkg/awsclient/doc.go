// Package awsclient builds the AWS SDK clients shared by the pipeline.
//
// All four services (SNS, SQS, S3, Athena) are created from one shared
// aws.Config so region, credentials and endpoint overrides stay
// consistent. Endpoint overrides exist for local development against
// LocalStack or MinIO.
package awsclient
