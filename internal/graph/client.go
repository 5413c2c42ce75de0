package graph

import (
	"context"
	"errors"
)

// Client is the minimal graph-store contract the transaction ledger needs:
// single-query reads and writes plus a connectivity probe. Transaction
// atomicity lives in the ledger's cypher (status-guarded SET, MERGE on the
// request key), not in multi-statement sessions.
type Client interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Result is a simplified representation of a query response.
type Result struct {
	Records []Record
}

// Record maps the RETURN aliases of a cypher query to their values.
type Record map[string]any

// Options configures a graph client implementation.
type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")
