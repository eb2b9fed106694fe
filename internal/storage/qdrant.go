/**
 * Qdrant Sample Index for the Captcha Worker
 *
 * Stores 32x32 fingerprints of cleaned captcha images so that new images can
 * be matched against previously confirmed labels. Uses Qdrant's native gRPC
 * API.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// VectorSize is the fingerprint dimension stored in the collection
const VectorSize = 1024

// Payload keys
const (
	payloadVariant   = "variant"
	payloadLabel     = "label"
	payloadConfirmed = "confirmed"
	payloadJobID     = "job_id"
	payloadTimestamp = "timestamp"
)

// QdrantClient handles sample index operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// SamplePoint is one fingerprint with its label metadata
type SamplePoint struct {
	ID        string
	Vector    []float32
	Variant   string
	Label     string
	Confirmed bool
	JobID     string
	Timestamp int64
	Score     float32
}

// SearchFilter narrows a similarity search
type SearchFilter struct {
	Variant       string
	ConfirmedOnly bool
	MinScore      float32
}

// NewQdrantClient creates a new Qdrant client
func NewQdrantClient(address string, collectionName string) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := &QdrantClient{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
	}

	if err := qc.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return qc, nil
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == q.collectionName {
			return nil
		}
	}

	// Fingerprints are intensity vectors; cosine keeps the match
	// independent of overall brightness
	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     VectorSize,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// UpsertSample stores or updates a fingerprint. An empty ID gets a new UUID.
func (q *QdrantClient) UpsertSample(ctx context.Context, point *SamplePoint) error {
	if point == nil {
		return fmt.Errorf("point is required")
	}

	if len(point.Vector) != VectorSize {
		return fmt.Errorf("invalid vector dimensions: expected %d, got %d", VectorSize, len(point.Vector))
	}

	if point.ID == "" {
		point.ID = uuid.New().String()
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Points: []*qdrant.PointStruct{{
			Id: pointID(point.ID),
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: point.Vector},
				},
			},
			Payload: samplePayload(point),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert sample: %w", err)
	}

	return nil
}

// SearchSamples returns the closest fingerprints, best first
func (q *QdrantClient) SearchSamples(ctx context.Context, vector []float32, filter SearchFilter, limit int) ([]*SamplePoint, error) {
	if len(vector) != VectorSize {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", VectorSize, len(vector))
	}

	if limit <= 0 {
		limit = 5
	}

	req := &qdrant.SearchPoints{
		CollectionName: q.collectionName,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         searchFilter(filter),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	}
	if filter.MinScore > 0 {
		minScore := filter.MinScore
		req.ScoreThreshold = &minScore
	}

	results, err := q.client.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search samples: %w", err)
	}

	points := make([]*SamplePoint, 0, len(results.Result))
	for _, result := range results.Result {
		point := samplePointFromPayload(result.Payload)
		if result.Id != nil {
			point.ID = result.Id.GetUuid()
		}
		point.Score = result.Score
		points = append(points, point)
	}

	return points, nil
}

// DeleteSample removes a fingerprint by ID
func (q *QdrantClient) DeleteSample(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("point ID is required")
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{pointID(id)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete sample: %w", err)
	}

	return nil
}

// GetCollectionInfo returns collection statistics
func (q *QdrantClient) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info, err := q.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: q.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": q.collectionName,
		"vectors_count":   info.Result.GetVectorsCount(),
		"points_count":    info.Result.GetPointsCount(),
		"indexed_vectors": info.Result.GetIndexedVectorsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func pointID(id string) *qdrant.PointId {
	return &qdrant.PointId{
		PointIdOptions: &qdrant.PointId_Uuid{Uuid: id},
	}
}

func samplePayload(p *SamplePoint) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		payloadVariant:   {Kind: &qdrant.Value_StringValue{StringValue: p.Variant}},
		payloadLabel:     {Kind: &qdrant.Value_StringValue{StringValue: p.Label}},
		payloadConfirmed: {Kind: &qdrant.Value_BoolValue{BoolValue: p.Confirmed}},
	}
	if p.JobID != "" {
		payload[payloadJobID] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: p.JobID}}
	}
	if p.Timestamp > 0 {
		payload[payloadTimestamp] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: p.Timestamp}}
	}
	return payload
}

func samplePointFromPayload(payload map[string]*qdrant.Value) *SamplePoint {
	p := &SamplePoint{}
	for k, v := range payload {
		if v == nil {
			continue
		}
		switch k {
		case payloadVariant:
			p.Variant = v.GetStringValue()
		case payloadLabel:
			p.Label = v.GetStringValue()
		case payloadConfirmed:
			p.Confirmed = v.GetBoolValue()
		case payloadJobID:
			p.JobID = v.GetStringValue()
		case payloadTimestamp:
			p.Timestamp = v.GetIntegerValue()
		}
	}
	return p
}

func searchFilter(f SearchFilter) *qdrant.Filter {
	var must []*qdrant.Condition

	if f.Variant != "" {
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   payloadVariant,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: f.Variant}},
				},
			},
		})
	}

	if f.ConfirmedOnly {
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   payloadConfirmed,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: true}},
				},
			},
		})
	}

	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}
