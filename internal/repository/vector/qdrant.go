// Package vector searches qdrant collections over gRPC.
package vector

import (
	"context"
	"fmt"
	"sort"

	qdrantpb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/tanyalab/resolver/internal/domain"
)

// Config holds qdrant connection settings.
type Config struct {
	Addr          string
	PayloadFields []string // payload fields fetched with each hit
	ContentField  string   // payload field treated as the candidate's text
}

// pointsSearcher is the slice of the qdrant points API the client uses.
type pointsSearcher interface {
	Search(ctx context.Context, in *qdrantpb.SearchPoints, opts ...grpc.CallOption) (*qdrantpb.SearchResponse, error)
}

// Client talks to one qdrant instance. Collections are addressed per call;
// a single client serves all tiers.
type Client struct {
	cfg    Config
	points pointsSearcher
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// NewClient dials qdrant. The dial is lazy; connectivity errors surface on
// the first search.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ContentField == "" {
		cfg.ContentField = "text"
	}
	if len(cfg.PayloadFields) == 0 {
		cfg.PayloadFields = []string{cfg.ContentField, "source"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant at %s: %w", cfg.Addr, err)
	}
	return &Client{
		cfg:    cfg,
		points: qdrantpb.NewPointsClient(conn),
		conn:   conn,
		logger: logger,
	}, nil
}

// Close tears down the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SearchCollection runs a similarity search against one collection and maps
// the hits to candidates in descending score order.
func (c *Client) SearchCollection(ctx context.Context, collection string, vector []float32, limit int, filters map[string]string) ([]domain.Candidate, error) {
	req := &qdrantpb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload: &qdrantpb.WithPayloadSelector{
			SelectorOptions: &qdrantpb.WithPayloadSelector_Include{
				Include: &qdrantpb.PayloadIncludeSelector{Fields: c.cfg.PayloadFields},
			},
		},
	}
	if len(filters) > 0 {
		req.Filter = buildFilter(filters)
	}

	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, c.mapError(collection, err)
	}

	candidates := make([]domain.Candidate, 0, len(resp.Result))
	for _, point := range resp.Result {
		cand := domain.Candidate{
			ID:         pointIDString(point.Id),
			Score:      float64(point.GetScore()),
			Collection: collection,
			Payload:    make(map[string]string, len(point.Payload)),
		}
		for key, val := range point.Payload {
			cand.Payload[key] = val.GetStringValue()
		}
		cand.Content = cand.Payload[c.cfg.ContentField]
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// buildFilter turns key/value metadata filters into a conjunction of exact
// keyword matches. Keys are sorted so requests are deterministic.
func buildFilter(filters map[string]string) *qdrantpb.Filter {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]*qdrantpb.Condition, 0, len(keys))
	for _, k := range keys {
		must = append(must, &qdrantpb.Condition{
			ConditionOneOf: &qdrantpb.Condition_Field{
				Field: &qdrantpb.FieldCondition{
					Key: k,
					Match: &qdrantpb.Match{
						MatchValue: &qdrantpb.Match_Keyword{Keyword: filters[k]},
					},
				},
			},
		})
	}
	return &qdrantpb.Filter{Must: must}
}

func pointIDString(id *qdrantpb.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%d", id.GetNum())
}

// mapError classifies gRPC failures. Context expiry is left to unwrap as a
// deadline error so retry policies treat it as transient; everything else
// reports the collection as unavailable.
func (c *Client) mapError(collection string, err error) error {
	st, ok := status.FromError(err)
	if ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return fmt.Errorf("search %s: %w", collection, context.DeadlineExceeded)
		case codes.Canceled:
			return fmt.Errorf("search %s: %w", collection, context.Canceled)
		case codes.ResourceExhausted:
			return fmt.Errorf("search %s: %w", collection, domain.ErrRateLimited)
		}
	}
	c.logger.Warn("Qdrant search failed",
		zap.String("collection", collection),
		zap.Error(err),
	)
	return fmt.Errorf("search %s: %v: %w", collection, err, domain.ErrCollectionUnavailable)
}
