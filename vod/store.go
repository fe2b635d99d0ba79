package vod

import (
	"io"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// ossStore is the production blockStore over an Aliyun OSS bucket scoped by
// the session's STS credentials.
type ossStore struct {
	bucket *oss.Bucket
}

func newOSSStore(sess *UploadSession) (blockStore, error) {
	client, err := oss.New(sess.Endpoint, sess.AccessID, sess.AccessKey, oss.SecurityToken(sess.Token))
	if err != nil {
		return nil, err
	}
	bucket, err := client.Bucket(sess.Bucket)
	if err != nil {
		return nil, err
	}
	return &ossStore{bucket: bucket}, nil
}

// imur rebuilds the SDK's multipart handle from the durable pieces a task
// carries across runs, so a fresh store can continue an old upload.
func (s *ossStore) imur(key, uploadID string) oss.InitiateMultipartUploadResult {
	return oss.InitiateMultipartUploadResult{
		Bucket:   s.bucket.BucketName,
		Key:      key,
		UploadID: uploadID,
	}
}

func (s *ossStore) InitParts(key string) (string, error) {
	imur, err := s.bucket.InitiateMultipartUpload(key)
	if err != nil {
		return "", err
	}
	return imur.UploadID, nil
}

func (s *ossStore) UploadPart(key, uploadID string, partNumber int, r io.Reader, size int64) (oss.UploadPart, error) {
	return s.bucket.UploadPart(s.imur(key, uploadID), r, size, partNumber)
}

// Complete assembles the uploaded parts. The callback, as issued by the
// platform at session init, makes the storage notify the platform that the
// video is ready for processing.
func (s *ossStore) Complete(key, uploadID string, parts []oss.UploadPart, callback string) error {
	var opts []oss.Option
	if callback != "" {
		opts = append(opts, oss.Callback(callback))
	}
	_, err := s.bucket.CompleteMultipartUpload(s.imur(key, uploadID), parts, opts...)
	return err
}

func (s *ossStore) Abort(key, uploadID string) error {
	return s.bucket.AbortMultipartUpload(s.imur(key, uploadID))
}
