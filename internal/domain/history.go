package domain

import "context"

// DefaultSession is the session key used when the caller does not name one.
const DefaultSession = "default"

// HistoryKey scopes retained conversation history to one caller session of one agent.
type HistoryKey struct {
	Agent   string
	Session string
}

func (k HistoryKey) String() string { return k.Agent + "/" + k.Session }

// HistoryStore persists conversation history between runs of agents that
// include history. Load returns an empty slice for unknown keys.
type HistoryStore interface {
	Load(ctx context.Context, key HistoryKey) ([]Message, error)
	Save(ctx context.Context, key HistoryKey, msgs []Message) error
	Delete(ctx context.Context, key HistoryKey) error
	Close() error
}
