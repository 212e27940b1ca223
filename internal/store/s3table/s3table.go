// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package s3table implements store.TableStore over an S3-compatible
// object store, landing each row batch as a JSON-lines data file and
// maintaining a "_symlink_format_manifest/manifest.json" sidecar that
// lists the live data files, the way a symlink-based Iceberg/Hive
// external table is refreshed for non-transactional readers.
//
// Optimistic concurrency (spec's "Concurrency control" invariant) is
// implemented with a conditional PutObject: the manifest write supplies
// the ETag most recently observed by the caller as an If-Match
// precondition, and a precondition failure is surfaced as
// errkind.ConcurrentModificationError so retry.Harness can retry the
// whole read-modify-write cycle from a fresh read.
package s3table

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/store"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Client is the subset of the S3 SDK this adapter depends on, so tests
// can substitute a fake.
type Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is a store.TableStore backed by an S3 bucket layout rooted at
// Root (e.g. "s3://lakehouse-bucket/tables").
type Store struct {
	Client Client
	Bucket string
	Root   string
}

var _ store.TableStore = (*Store)(nil)

// New constructs a Store.
func New(client Client, bucket, root string) *Store {
	return &Store{Client: client, Bucket: bucket, Root: root}
}

type manifest struct {
	DataFiles []string `json:"dataFiles"`
	UpdatedAt string   `json:"updatedAt"`
}

func (s *Store) tablePrefix(target ident.Table) string {
	return path.Join(s.Root, target.Schema().String(), target.Table().String())
}

func (s *Store) manifestKey(target ident.Table) string {
	return path.Join(s.tablePrefix(target), "_symlink_format_manifest", "manifest.json")
}

func (s *Store) dataKey(target ident.Table, file string) string {
	return path.Join(s.tablePrefix(target), "data", file)
}

// readManifest fetches the current manifest and its ETag. A missing
// manifest is reported as an empty manifest with an empty ETag, not an
// error: the table simply has no data files yet.
func (s *Store) readManifest(ctx context.Context, target ident.Table) (manifest, string, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.manifestKey(target)),
	})
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return manifest{}, "", nil
		}
		return manifest{}, "", errors.Wrap(err, "reading manifest")
	}
	defer out.Body.Close()
	var m manifest
	if err := json.NewDecoder(out.Body).Decode(&m); err != nil {
		return manifest{}, "", errors.Wrap(err, "decoding manifest")
	}
	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return m, etag, nil
}

// writeManifest conditionally overwrites the manifest: if prevETag is
// non-empty, the write is conditioned on If-Match; a precondition
// failure is surfaced as a ConcurrentModificationError.
func (s *Store) writeManifest(ctx context.Context, target ident.Table, m manifest, prevETag string) error {
	body, err := json.Marshal(m)
	if err != nil {
		return errors.WithStack(err)
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.manifestKey(target)),
		Body:   bytes.NewReader(body),
	}
	if prevETag != "" {
		in.IfMatch = aws.String(prevETag)
	} else {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.Client.PutObject(ctx, in); err != nil {
		if isPreconditionFailed(err) {
			return &errkind.ConcurrentModificationError{Path: s.manifestKey(target), Err: err}
		}
		return errors.Wrap(err, "writing manifest")
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return strings.Contains(err.Error(), "PreconditionFailed")
}

func (s *Store) writeDataFile(ctx context.Context, target ident.Table, rows []map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return "", errors.WithStack(err)
		}
	}
	file := fmt.Sprintf("%s.jsonl", uuid.NewString())
	if _, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.dataKey(target, file)),
		Body:   bytes.NewReader(buf.Bytes()),
	}); err != nil {
		return "", errors.Wrap(err, "writing data file")
	}
	return file, nil
}

// Exists reports whether target has a manifest at all.
func (s *Store) Exists(ctx context.Context, target ident.Table) (bool, error) {
	_, etag, err := s.readManifest(ctx, target)
	if err != nil {
		return false, err
	}
	return etag != "", nil
}

// HasRows reports whether target's manifest lists any data file.
func (s *Store) HasRows(ctx context.Context, target ident.Table) (bool, error) {
	m, _, err := s.readManifest(ctx, target)
	if err != nil {
		return false, err
	}
	return len(m.DataFiles) > 0, nil
}

// Append writes rows as a new data file and adds it to the manifest,
// retrying the manifest compare-and-swap against the outer
// retry.Harness (the caller, not this method, owns retry looping: this
// method returns ConcurrentModificationError on a single lost race).
func (s *Store) Append(ctx context.Context, target ident.Table, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	m, etag, err := s.readManifest(ctx, target)
	if err != nil {
		return err
	}
	file, err := s.writeDataFile(ctx, target, rows)
	if err != nil {
		return err
	}
	m.DataFiles = append(m.DataFiles, file)
	m.UpdatedAt = timeNowRFC3339()
	return s.writeManifest(ctx, target, m, etag)
}

// Overwrite replaces every data file referenced by the manifest with a
// single new file containing rows.
func (s *Store) Overwrite(ctx context.Context, target ident.Table, rows []map[string]any) error {
	_, etag, err := s.readManifest(ctx, target)
	if err != nil {
		return err
	}
	var m manifest
	if len(rows) > 0 {
		file, err := s.writeDataFile(ctx, target, rows)
		if err != nil {
			return err
		}
		m.DataFiles = []string{file}
	}
	m.UpdatedAt = timeNowRFC3339()
	return s.writeManifest(ctx, target, m, etag)
}

// Merge implements the clause-ordered merge primitive of spec §4.2 by
// materializing the target's current rows, applying spec's clauses in
// memory, and writing the merged result as a fresh data file under the
// same optimistic-concurrency manifest swap as Append/Overwrite.
func (s *Store) Merge(ctx context.Context, spec store.MergeSpec, rows []map[string]any) error {
	m, etag, err := s.readManifest(ctx, spec.Target)
	if err != nil {
		return err
	}
	current, err := s.readDataFiles(ctx, spec.Target, m.DataFiles)
	if err != nil {
		return err
	}

	merged, err := applyMerge(spec, current, rows)
	if err != nil {
		return err
	}

	var newManifest manifest
	if len(merged) > 0 {
		file, err := s.writeDataFile(ctx, spec.Target, merged)
		if err != nil {
			return err
		}
		newManifest.DataFiles = []string{file}
	}
	newManifest.UpdatedAt = timeNowRFC3339()
	if err := s.writeManifest(ctx, spec.Target, newManifest, etag); err != nil {
		return err
	}
	for _, f := range m.DataFiles {
		if _, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.dataKey(spec.Target, f)),
		}); err != nil {
			log.WithError(err).WithField("file", f).Warn("could not delete superseded data file")
		}
	}
	return nil
}

// Delete removes rows matching keys from target's current contents.
// With no keyColumns, it deletes target's manifest, so target no longer
// exists; its data files are left for Vacuum to reclaim.
func (s *Store) Delete(ctx context.Context, target ident.Table, keyColumns []string, keys []map[string]any) error {
	if len(keyColumns) == 0 {
		if _, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.manifestKey(target)),
		}); err != nil {
			return errors.Wrap(err, "deleting manifest")
		}
		return nil
	}
	m, etag, err := s.readManifest(ctx, target)
	if err != nil {
		return err
	}
	current, err := s.readDataFiles(ctx, target, m.DataFiles)
	if err != nil {
		return err
	}
	toDelete := make(map[string]bool, len(keys))
	for _, k := range keys {
		toDelete[keyOf(keyColumns, k)] = true
	}
	var kept []map[string]any
	for _, row := range current {
		if !toDelete[keyOf(keyColumns, row)] {
			kept = append(kept, row)
		}
	}
	var newManifest manifest
	if len(kept) > 0 {
		file, err := s.writeDataFile(ctx, target, kept)
		if err != nil {
			return err
		}
		newManifest.DataFiles = []string{file}
	}
	newManifest.UpdatedAt = timeNowRFC3339()
	return s.writeManifest(ctx, target, newManifest, etag)
}

// Vacuum removes data files no longer referenced by the manifest.
func (s *Store) Vacuum(ctx context.Context, target ident.Table) error {
	m, _, err := s.readManifest(ctx, target)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(m.DataFiles))
	for _, f := range m.DataFiles {
		live[f] = true
	}
	out, err := s.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(path.Join(s.tablePrefix(target), "data") + "/"),
	})
	if err != nil {
		return errors.Wrap(err, "listing data files")
	}
	for _, obj := range out.Contents {
		base := path.Base(aws.ToString(obj.Key))
		if live[base] {
			continue
		}
		if _, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    obj.Key,
		}); err != nil {
			return errors.Wrapf(err, "vacuuming %s", aws.ToString(obj.Key))
		}
	}
	return nil
}

// Compact rewrites every live data file into a single consolidated
// file, then swaps the manifest to point at it.
func (s *Store) Compact(ctx context.Context, target ident.Table) error {
	m, etag, err := s.readManifest(ctx, target)
	if err != nil {
		return err
	}
	if len(m.DataFiles) <= 1 {
		return nil
	}
	current, err := s.readDataFiles(ctx, target, m.DataFiles)
	if err != nil {
		return err
	}
	file, err := s.writeDataFile(ctx, target, current)
	if err != nil {
		return err
	}
	newManifest := manifest{DataFiles: []string{file}, UpdatedAt: timeNowRFC3339()}
	if err := s.writeManifest(ctx, target, newManifest, etag); err != nil {
		return err
	}
	for _, f := range m.DataFiles {
		if _, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.dataKey(target, f)),
		}); err != nil {
			log.WithError(err).WithField("file", f).Warn("could not delete pre-compaction data file")
		}
	}
	return nil
}

// RefreshManifest re-sorts and re-writes the manifest in place, giving
// external readers a stable ordering without changing its contents.
func (s *Store) RefreshManifest(ctx context.Context, target ident.Table) error {
	m, etag, err := s.readManifest(ctx, target)
	if err != nil {
		return err
	}
	sort.Strings(m.DataFiles)
	m.UpdatedAt = timeNowRFC3339()
	return s.writeManifest(ctx, target, m, etag)
}

// ListTables enumerates tables by listing the common prefixes one level
// below the schema root.
func (s *Store) ListTables(ctx context.Context, schema ident.Schema) ([]ident.Table, error) {
	prefix := path.Join(s.Root, schema.String()) + "/"
	out, err := s.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing tables")
	}
	tables := make([]ident.Table, 0, len(out.CommonPrefixes))
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		if name == "" {
			continue
		}
		tables = append(tables, ident.NewTable(schema, ident.New(name)))
	}
	return tables, nil
}

func (s *Store) readDataFiles(ctx context.Context, target ident.Table, files []string) ([]map[string]any, error) {
	var rows []map[string]any
	for _, f := range files {
		out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.dataKey(target, f)),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "reading data file %s", f)
		}
		dec := json.NewDecoder(out.Body)
		for dec.More() {
			var row map[string]any
			if err := dec.Decode(&row); err != nil {
				out.Body.Close()
				return nil, errors.Wrapf(err, "decoding data file %s", f)
			}
			rows = append(rows, row)
		}
		out.Body.Close()
	}
	return rows, nil
}

func keyOf(keyColumns []string, row map[string]any) string {
	var sb strings.Builder
	for i, c := range keyColumns {
		if i > 0 {
			sb.WriteByte('\x1f')
		}
		fmt.Fprintf(&sb, "%v", row[c])
	}
	return sb.String()
}

func rowOp(row map[string]any) cdctypes.Op {
	v, ok := row["__op"]
	if !ok {
		return cdctypes.OpLoad
	}
	s, _ := v.(string)
	if s == "" {
		return cdctypes.OpLoad
	}
	c, err := cdctypes.ParseOpWireChar(s[0])
	if err != nil {
		return cdctypes.OpLoad
	}
	return c
}

// applyMerge runs spec's clauses, in order, against current and
// incoming rows, producing the merged row set.
func applyMerge(spec store.MergeSpec, current, incoming []map[string]any) ([]map[string]any, error) {
	if spec.Distinct {
		incoming = dedupLastWins(spec.Key, incoming)
	}

	byKey := make(map[string]map[string]any, len(current))
	order := make([]string, 0, len(current))
	for _, row := range current {
		k := keyOf(spec.Key, row)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = row
	}

	inByKey := make(map[string]map[string]any, len(incoming))
	for _, row := range incoming {
		inByKey[keyOf(spec.Key, row)] = row
	}

	matched := make(map[string]bool)
	for _, clause := range spec.Clauses {
		switch clause.Kind {
		case store.ClauseMatchedUpsert:
			for k, in := range inByKey {
				if _, ok := byKey[k]; !ok {
					continue
				}
				if !opAllowed(clause.Ops, in, spec.Distinct) {
					continue
				}
				byKey[k] = mergeColumns(byKey[k], in, spec.ExcludeColumns)
				matched[k] = true
			}
		case store.ClauseMatchedDelete:
			for k, in := range inByKey {
				if _, ok := byKey[k]; !ok {
					continue
				}
				if !opAllowed(clause.Ops, in, spec.Distinct) {
					continue
				}
				delete(byKey, k)
				matched[k] = true
			}
		case store.ClauseUnmatchedInsert:
			for k, in := range inByKey {
				if matched[k] {
					continue
				}
				if _, ok := byKey[k]; ok {
					continue
				}
				if rowOp(in) == cdctypes.OpDelete {
					continue
				}
				byKey[k] = stripExcluded(in, spec.ExcludeColumns)
				order = append(order, k)
				matched[k] = true
			}
		}
	}

	result := make([]map[string]any, 0, len(byKey))
	seen := make(map[string]bool, len(byKey))
	for _, k := range order {
		if row, ok := byKey[k]; ok && !seen[k] {
			result = append(result, row)
			seen[k] = true
		}
	}
	return result, nil
}

func opAllowed(ops []cdctypes.Op, row map[string]any, distinct bool) bool {
	if distinct || ops == nil {
		return true
	}
	op := rowOp(row)
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func mergeColumns(base, in map[string]any, exclude []string) map[string]any {
	excluded := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		excluded[c] = true
	}
	out := make(map[string]any, len(base)+len(in))
	for k, v := range base {
		if excluded[k] {
			continue
		}
		out[k] = v
	}
	for k, v := range in {
		if excluded[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// stripExcluded returns a copy of row with every column named in
// exclude removed, dropping bookkeeping columns like "__op" before a
// row is written to the destination (spec §4.4).
func stripExcluded(row map[string]any, exclude []string) map[string]any {
	if len(exclude) == 0 {
		return row
	}
	excluded := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		excluded[c] = true
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		if excluded[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// dedupLastWins reduces rows to one per Key, keeping the last
// occurrence, mirroring internal/util/msort.UniqueByKey's contract.
func dedupLastWins(key []string, rows []map[string]any) []map[string]any {
	byKey := make(map[string]int, len(rows))
	order := make([]string, 0, len(rows))
	for i, row := range rows {
		k := keyOf(key, row)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = i
	}
	out := make([]map[string]any, 0, len(order))
	for _, k := range order {
		out = append(out, rows[byKey[k]])
	}
	return out
}

func timeNowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
