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

// Package kinesis implements ingest.EventSource over an Amazon Kinesis
// data stream, checkpointing each shard's sequence number to S3 so a
// restart against the same checkpoint prefix resumes delivery rather
// than re-reading from TRIM_HORIZON.
package kinesis

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/hlc"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Client is the subset of the Kinesis SDK this adapter depends on.
type Client interface {
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, opts ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, opts ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, opts ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// S3Client is the subset of the S3 SDK used for checkpoint storage. It
// is deliberately not store.TableStore: a shard checkpoint is a single
// opaque blob keyed by shard, not a table of rows, so the narrower
// get/put primitive of the S3 SDK itself is the right fit.
type S3Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Source is an ingest.EventSource backed by a single Kinesis stream,
// checkpointing shard sequence numbers to S3.
type Source struct {
	Client           Client
	StreamName       string
	BatchDuration    time.Duration
	CheckpointClient S3Client
	CheckpointBucket string
}

func (s *Source) checkpointKey(prefix, shardID string) string {
	return prefix + "/" + shardID + ".json"
}

func (s *Source) loadCheckpointSequence(ctx context.Context, prefix, shardID string) (string, bool, error) {
	out, err := s.CheckpointClient.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.CheckpointBucket),
		Key:    aws.String(s.checkpointKey(prefix, shardID)),
	})
	if err != nil {
		var nf *s3types.NoSuchKey
		if errors.As(err, &nf) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "reading checkpoint")
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	var cp struct {
		Sequence string `json:"sequence"`
	}
	if err := json.Unmarshal(body, &cp); err != nil {
		return "", false, errors.Wrap(err, "decoding checkpoint")
	}
	return cp.Sequence, cp.Sequence != "", nil
}

func (s *Source) storeCheckpointSequence(ctx context.Context, prefix, shardID, sequence string) error {
	body, err := json.Marshal(struct {
		Sequence string `json:"sequence"`
	}{Sequence: sequence})
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.CheckpointClient.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.CheckpointBucket),
		Key:    aws.String(s.checkpointKey(prefix, shardID)),
		Body:   bytes.NewReader(body),
	})
	return errors.Wrap(err, "writing checkpoint")
}

// Subscribe implements ingest.EventSource.
func (s *Source) Subscribe(ctx *stopper.Context, source ident.Schema, table ident.Ident, checkpointPrefix string, handler func(cdctypes.MicroBatch) error) error {
	shardsOut, err := s.Client.ListShards(ctx, &kinesis.ListShardsInput{
		StreamName: aws.String(s.StreamName),
	})
	if err != nil {
		return &errkind.InfrastructureError{Cause: errors.Wrap(err, "listing shards")}
	}

	for _, shard := range shardsOut.Shards {
		shard := shard
		ctx.Go(func() error {
			return s.consumeShard(ctx, *shard.ShardId, source, table, checkpointPrefix, handler)
		})
	}
	<-ctx.Stopping()
	return nil
}

func (s *Source) consumeShard(ctx *stopper.Context, shardID string, source ident.Schema, table ident.Ident, checkpointPrefix string, handler func(cdctypes.MicroBatch) error) error {
	iterator, err := s.loadIterator(ctx, shardID, checkpointPrefix)
	if err != nil {
		return &errkind.InfrastructureError{Cause: err}
	}

	interval := s.BatchDuration
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Stopping():
			return nil
		default:
		}

		out, err := s.Client.GetRecords(ctx, &kinesis.GetRecordsInput{ShardIterator: aws.String(iterator)})
		if err != nil {
			return &errkind.InfrastructureError{Cause: errors.Wrap(err, "reading records")}
		}

		if len(out.Records) > 0 {
			batch, lastSeq, err := decodeBatch(source, table, out.Records)
			if err != nil {
				log.WithError(err).Warn("discarding malformed kinesis record batch")
			} else if err := handler(batch); err != nil {
				return err
			} else if err := s.storeCheckpointSequence(ctx, checkpointPrefix, shardID, lastSeq); err != nil {
				return &errkind.InfrastructureError{Cause: err}
			}
		}

		if out.NextShardIterator == nil {
			return nil // shard closed
		}
		iterator = *out.NextShardIterator

		select {
		case <-ctx.Stopping():
			return nil
		case <-time.After(interval):
		}
	}
}

func decodeBatch(source ident.Schema, table ident.Ident, records []types.Record) (cdctypes.MicroBatch, string, error) {
	events := make([]cdctypes.Event, 0, len(records))
	var lastSeq string
	for _, r := range records {
		var wire struct {
			Op      string         `json:"op"`
			Payload map[string]any `json:"payload"`
			Nanos   int64          `json:"nanos"`
			Logical int            `json:"logical"`
		}
		if err := json.Unmarshal(r.Data, &wire); err != nil {
			return cdctypes.MicroBatch{}, "", errors.Wrap(err, "decoding kinesis record")
		}
		op, err := cdctypes.ParseOpWireChar(wire.Op[0])
		if err != nil {
			return cdctypes.MicroBatch{}, "", err
		}
		events = append(events, cdctypes.Event{
			Payload: wire.Payload,
			Meta:    cdctypes.Meta{Source: source, Table: table},
			Op:      op,
			Time:    hlc.New(wire.Nanos, wire.Logical),
		})
		if r.SequenceNumber != nil {
			lastSeq = *r.SequenceNumber
		}
	}
	return cdctypes.MicroBatch{Source: source, Table: table, Rows: events}, lastSeq, nil
}

func (s *Source) loadIterator(ctx context.Context, shardID, checkpointPrefix string) (string, error) {
	sequence, found, err := s.loadCheckpointSequence(ctx, checkpointPrefix, shardID)
	if err != nil {
		return "", err
	}
	if found {
		out, err := s.Client.GetShardIterator(ctx, &kinesis.GetShardIteratorInput{
			StreamName:             aws.String(s.StreamName),
			ShardId:                aws.String(shardID),
			ShardIteratorType:      types.ShardIteratorTypeAfterSequenceNumber,
			StartingSequenceNumber: aws.String(sequence),
		})
		if err != nil {
			return "", errors.Wrap(err, "resuming shard iterator")
		}
		return *out.ShardIterator, nil
	}

	out, err := s.Client.GetShardIterator(ctx, &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(s.StreamName),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorTypeTrimHorizon,
	})
	if err != nil {
		return "", errors.Wrap(err, "opening shard iterator from trim horizon")
	}
	return *out.ShardIterator, nil
}
