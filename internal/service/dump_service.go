package service

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"metaregistry/internal/service/s3"
)

const dumpPrefix = "dumps/"

// DumpService exports the whole registry, deleted envelopes included, as a
// gzipped JSON document to blob storage. Old dumps past the retention count
// are pruned on each run.
type DumpService struct {
	store   Store
	storage s3.Storage
	keep    int

	now func() time.Time
}

func NewDumpService(store Store, storage s3.Storage, keep int) *DumpService {
	if keep <= 0 {
		keep = 7
	}
	return &DumpService{
		store:   store,
		storage: storage,
		keep:    keep,
		now:     time.Now,
	}
}

// Dump writes a full registry export and returns its storage key.
func (s *DumpService) Dump(ctx context.Context) (string, error) {
	envelopes, err := s.store.List(ctx, true)
	if err != nil {
		return "", fmt.Errorf("failed to load envelopes for dump: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(envelopes); err != nil {
		return "", fmt.Errorf("failed to encode dump: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to compress dump: %w", err)
	}

	key := fmt.Sprintf("%senvelopes-%s.json.gz", dumpPrefix, s.now().UTC().Format("20060102-150405"))
	if err := s.storage.UploadBytes(ctx, key, buf.Bytes()); err != nil {
		return "", err
	}

	if err := s.prune(ctx); err != nil {
		log.Printf("Failed to prune old dumps: %v", err)
	}
	return key, nil
}

// prune removes dumps beyond the retention count, oldest first. Dump keys
// embed a UTC timestamp, so lexicographic order is chronological.
func (s *DumpService) prune(ctx context.Context) error {
	keys, err := s.storage.ListKeys(ctx, dumpPrefix)
	if err != nil {
		return err
	}
	if len(keys) <= s.keep {
		return nil
	}

	sort.Strings(keys)
	for _, key := range keys[:len(keys)-s.keep] {
		if err := s.storage.DeleteObject(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
