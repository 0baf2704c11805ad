/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package shard

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"
)

// ReadAll decodes a shard file, returning its header row followed by its
// data rows.  Files made of several appended gzip members are read through.
func ReadAll(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defer zr.Close()

	cr := csv.NewReader(zr)
	cr.FieldsPerRecord = 0
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rows, nil
}
