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

package s3table_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/store"
	"github.com/modular-data/core-platform-jobs/internal/store/s3table"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory stand-in for s3table.Client: an object
// map keyed by S3 key, with a monotonic ETag per key so conditional
// writes (If-Match/If-None-Match) are honored the way a real bucket's
// optimistic concurrency would be.
type fakeClient struct {
	mu       sync.Mutex
	objects  map[string][]byte
	versions map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: map[string][]byte{}, versions: map[string]int{}}
}

func (f *fakeClient) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	body, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(body)),
		ETag: aws.String(strconv.Itoa(f.versions[key])),
	}, nil
}

type preconditionFailedError struct{}

func (e *preconditionFailedError) Error() string        { return "PreconditionFailed" }
func (e *preconditionFailedError) ErrorCode() string    { return "PreconditionFailed" }
func (e *preconditionFailedError) ErrorMessage() string { return "PreconditionFailed" }
func (e *preconditionFailedError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultClient
}

func (f *fakeClient) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	current, exists := f.versions[key]

	if in.IfMatch != nil {
		if !exists || strconv.Itoa(current) != aws.ToString(in.IfMatch) {
			return nil, &preconditionFailedError{}
		}
	}
	if in.IfNoneMatch != nil && aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, &preconditionFailedError{}
	}

	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = body
	f.versions[key] = current + 1
	return &s3.PutObjectOutput{ETag: aws.String(strconv.Itoa(current + 1))}, nil
}

func (f *fakeClient) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	delete(f.objects, key)
	delete(f.versions, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeClient) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	var contents []types.Object
	seen := map[string]bool{}
	var commonPrefixes []types.CommonPrefix
	for key := range f.objects {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		rest := key[len(prefix):]
		if delim != "" {
			if idx := indexOf(rest, delim); idx >= 0 {
				cp := prefix + rest[:idx+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					commonPrefixes = append(commonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		contents = append(contents, types.Object{Key: aws.String(key)})
	}
	sort.Slice(contents, func(i, j int) bool { return *contents[i].Key < *contents[j].Key })
	sort.Slice(commonPrefixes, func(i, j int) bool { return *commonPrefixes[i].Prefix < *commonPrefixes[j].Prefix })
	return &s3.ListObjectsV2Output{Contents: contents, CommonPrefixes: commonPrefixes}, nil
}

// racingClient runs race once, just before the first write of an object
// other than manifestKey: for Merge, after its manifest read and before
// its manifest write.
type racingClient struct {
	*fakeClient
	manifestKey string
	race        func()
}

func (c *racingClient) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if c.race != nil && aws.ToString(in.Key) != c.manifestKey {
		race := c.race
		c.race = nil
		race()
	}
	return c.fakeClient.PutObject(ctx, in, opts...)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func testTarget() ident.Table {
	return ident.NewTable(ident.NewSchema("structured"), ident.New("people"))
}

// readRows reaches directly into the fakeClient's object map using the
// same key layout s3table.Store computes internally, since
// store.TableStore's public surface has no "read current contents"
// method (by design: it is write/merge oriented, see store.go).
func readRows(t *testing.T, client *fakeClient, target ident.Table) []map[string]any {
	t.Helper()
	manifestKey := "tables/" + target.Schema().String() + "/" + target.Table().String() + "/_symlink_format_manifest/manifest.json"
	raw, ok := client.objects[manifestKey]
	if !ok {
		return nil
	}
	var m struct {
		DataFiles []string `json:"dataFiles"`
	}
	require.NoError(t, json.Unmarshal(raw, &m))

	var rows []map[string]any
	for _, f := range m.DataFiles {
		dataKey := "tables/" + target.Schema().String() + "/" + target.Table().String() + "/data/" + f
		body, ok := client.objects[dataKey]
		require.True(t, ok, "referenced data file %s missing", f)
		dec := json.NewDecoder(bytes.NewReader(body))
		for dec.More() {
			var row map[string]any
			require.NoError(t, dec.Decode(&row))
			rows = append(rows, row)
		}
	}
	return rows
}

func TestAppendThenOverwriteRoundTrips(t *testing.T) {
	client := newFakeClient()
	s := s3table.New(client, "bucket", "tables")
	target := testTarget()

	exists, err := s.Exists(context.Background(), target)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Append(context.Background(), target, []map[string]any{
		{"id": 1, "__op": "I"},
	}))

	exists, err = s.Exists(context.Background(), target)
	require.NoError(t, err)
	require.True(t, exists)

	hasRows, err := s.HasRows(context.Background(), target)
	require.NoError(t, err)
	require.True(t, hasRows)

	require.NoError(t, s.Overwrite(context.Background(), target, []map[string]any{
		{"id": 2, "__op": "I"},
	}))

	rows := readRows(t, client, target)
	require.Len(t, rows, 1)
	require.EqualValues(t, 2, rows[0]["id"])
}

func TestMergeAppliesCDCClauseOrder(t *testing.T) {
	client := newFakeClient()
	s := s3table.New(client, "bucket", "tables")
	target := testTarget()

	require.NoError(t, s.Append(context.Background(), target, []map[string]any{
		{"id": 1, "name": "a", "__op": "I"},
	}))

	spec := store.DefaultCDCMergeSpec(target, []string{"id"}, []string{"__op"})
	require.NoError(t, s.Merge(context.Background(), spec, []map[string]any{
		{"id": 1, "name": "b", "__op": "U"},
		{"id": 2, "name": "c", "__op": "I"},
	}))

	rows := readRows(t, client, target)
	byID := map[float64]map[string]any{}
	for _, r := range rows {
		byID[r["id"].(float64)] = r
	}
	require.Len(t, byID, 2)
	require.Equal(t, "b", byID[1]["name"])
	require.Equal(t, "c", byID[2]["name"])
}

func TestMergeLostRaceReturnsConcurrentModification(t *testing.T) {
	client := newFakeClient()
	s := s3table.New(client, "bucket", "tables")
	target := testTarget()
	require.NoError(t, s.Append(context.Background(), target, []map[string]any{
		{"id": 1, "__op": "I"},
	}))

	manifestKey := "tables/structured/people/_symlink_format_manifest/manifest.json"
	racer := &racingClient{fakeClient: client, manifestKey: manifestKey}
	racer.race = func() {
		staleETag := strconv.Itoa(client.versions[manifestKey])

		// A concurrent writer commits between Merge's manifest read and
		// its manifest write, advancing the ETag out from under it.
		_, err := client.PutObject(context.Background(), &s3.PutObjectInput{
			Bucket:  aws.String("bucket"),
			Key:     aws.String(manifestKey),
			Body:    bytes.NewReader([]byte(`{"dataFiles":[]}`)),
			IfMatch: aws.String(staleETag),
		})
		require.NoError(t, err)
	}

	spec := store.DefaultCDCMergeSpec(target, []string{"id"}, []string{"__op"})
	err := s3table.New(racer, "bucket", "tables").Merge(context.Background(), spec, []map[string]any{
		{"id": 2, "__op": "I"},
	})
	require.Error(t, err)
	require.True(t, errkind.IsConcurrentModification(err))
}

func TestDeleteRemovesMatchingKeys(t *testing.T) {
	client := newFakeClient()
	s := s3table.New(client, "bucket", "tables")
	target := testTarget()
	require.NoError(t, s.Append(context.Background(), target, []map[string]any{
		{"id": 1, "__op": "I"},
		{"id": 2, "__op": "I"},
	}))

	require.NoError(t, s.Delete(context.Background(), target, []string{"id"}, []map[string]any{
		{"id": 1},
	}))

	rows := readRows(t, client, target)
	require.Len(t, rows, 1)
	require.EqualValues(t, 2, rows[0]["id"])
}

func TestVacuumRemovesUnreferencedDataFiles(t *testing.T) {
	client := newFakeClient()
	s := s3table.New(client, "bucket", "tables")
	target := testTarget()

	require.NoError(t, s.Append(context.Background(), target, []map[string]any{{"id": 1, "__op": "I"}}))
	require.NoError(t, s.Overwrite(context.Background(), target, []map[string]any{{"id": 2, "__op": "I"}}))

	require.NoError(t, s.Vacuum(context.Background(), target))

	out, err := client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket: aws.String("bucket"),
		Prefix: aws.String("tables/structured/people/data/"),
	})
	require.NoError(t, err)
	require.Len(t, out.Contents, 1)
}

func TestCompactConsolidatesToOneFile(t *testing.T) {
	client := newFakeClient()
	s := s3table.New(client, "bucket", "tables")
	target := testTarget()

	require.NoError(t, s.Append(context.Background(), target, []map[string]any{{"id": 1, "__op": "I"}}))
	_, err := client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String("bucket"),
		Key:    aws.String("tables/structured/people/data/extra.jsonl"),
		Body:   bytes.NewReader([]byte(`{"id":2,"__op":"I"}` + "\n")),
	})
	require.NoError(t, err)
	manifestKey := "tables/structured/people/_symlink_format_manifest/manifest.json"
	var m struct {
		DataFiles []string `json:"dataFiles"`
		UpdatedAt string   `json:"updatedAt"`
	}
	require.NoError(t, json.Unmarshal(client.objects[manifestKey], &m))
	m.DataFiles = append(m.DataFiles, "extra.jsonl")
	body, err := json.Marshal(m)
	require.NoError(t, err)
	etag := strconv.Itoa(client.versions[manifestKey])
	_, err = client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:  aws.String("bucket"),
		Key:     aws.String(manifestKey),
		Body:    bytes.NewReader(body),
		IfMatch: aws.String(etag),
	})
	require.NoError(t, err)

	require.NoError(t, s.Compact(context.Background(), target))

	out, err := client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket: aws.String("bucket"),
		Prefix: aws.String("tables/structured/people/data/"),
	})
	require.NoError(t, err)
	require.Len(t, out.Contents, 1)
	rows := readRows(t, client, target)
	require.Len(t, rows, 2)
}

func TestListTablesEnumeratesSchemaChildren(t *testing.T) {
	client := newFakeClient()
	s := s3table.New(client, "bucket", "tables")

	require.NoError(t, s.Append(context.Background(), ident.NewTable(ident.NewSchema("structured"), ident.New("people")), []map[string]any{{"id": 1, "__op": "I"}}))
	require.NoError(t, s.Append(context.Background(), ident.NewTable(ident.NewSchema("structured"), ident.New("orders")), []map[string]any{{"id": 1, "__op": "I"}}))

	tables, err := s.ListTables(context.Background(), ident.NewSchema("structured"))
	require.NoError(t, err)
	names := make([]string, 0, len(tables))
	for _, tbl := range tables {
		names = append(names, tbl.Table().String())
	}
	sort.Strings(names)
	require.Equal(t, []string{"orders", "people"}, names)
}
