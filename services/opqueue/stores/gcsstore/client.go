// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcsstore implements the store contracts on one Google Cloud
// Storage bucket, so engine instances in separate processes share state.
//
// Layout inside the bucket:
//
//	db.json                   HEAD
//	snapshot/<id>.json        snapshot blobs
//	<prefix>_OPE/<id>         log entries, operation and expiry in metadata
//	<prefix>_META/CURRENT_DB  pointer record, guarded by generation preconditions
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Options selects the bucket and how to authenticate against it.
type Options struct {
	ProjectID string
	Bucket    string

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string

	// Endpoint overrides the API endpoint, e.g. a local emulator. Requests
	// to a custom endpoint are sent without authentication.
	Endpoint string
}

// Client holds the storage client and the bucket handle every adapter in
// this package shares.
type Client struct {
	storageClient *storage.Client
	bucket        *storage.BucketHandle
	ProjectID     string
	BucketName    string
}

// NewClient connects to the bucket in opts.
//
// # Description
//
// Fails fast when a configured credentials file is missing so a typo in
// configuration does not surface later as an opaque auth error.
//
// # Outputs
//
//   - *Client: Ready client. Caller must Close it.
//   - error: Non-nil if the bucket is unset, credentials are missing, or
//     the storage client cannot be created.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, errors.New("gcs bucket name is required")
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		info, err := os.Stat(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", opts.CredentialsFile, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("service account key path is a directory: %s", opts.CredentialsFile)
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	}

	sc, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Client{
		storageClient: sc,
		bucket:        sc.Bucket(opts.Bucket),
		ProjectID:     opts.ProjectID,
		BucketName:    opts.Bucket,
	}, nil
}

// Close releases the underlying storage client.
func (c *Client) Close() error {
	return c.storageClient.Close()
}

// object returns a handle for name in the client's bucket.
func (c *Client) object(name string) *storage.ObjectHandle {
	return c.bucket.Object(name)
}

// isPreconditionFailed reports whether err is a failed write precondition,
// the signal that a conditional write lost a race.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
