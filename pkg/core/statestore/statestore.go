// Package statestore mirrors live session state into Redis hashes so
// external tooling can observe running emulations without holding an event
// stream. The mirror is optional: a nil Store is a no-op on every call.
package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/corenet-emu/corenet/pkg/util"
)

// Store publishes state transitions to Redis.
type Store struct {
	client *redis.Client
}

// New connects to Redis; an empty addr returns a nil store (mirror
// disabled).
func New(addr, password string, db int) (*Store, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("statestore: connect %s: %w", addr, err)
	}
	util.Logger.Infof("statestore: mirroring state to %s", addr)
	return &Store{client: client}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

func sessionKey(sessionID int) string {
	return fmt.Sprintf("corenet:session:%d", sessionID)
}

func nodeKey(sessionID, nodeID int) string {
	return fmt.Sprintf("corenet:session:%d:node:%d", sessionID, nodeID)
}

func serviceKey(sessionID, nodeID int) string {
	return fmt.Sprintf("corenet:session:%d:node:%d:services", sessionID, nodeID)
}

// SetSessionState records a session's lifecycle state.
func (s *Store) SetSessionState(ctx context.Context, sessionID int, state string, nodeCount int) {
	if s == nil {
		return
	}
	err := s.client.HSet(ctx, sessionKey(sessionID), map[string]interface{}{
		"state": state,
		"nodes": nodeCount,
	}).Err()
	if err != nil {
		util.WithSession(sessionID).Debugf("statestore: session state: %v", err)
	}
}

// SetNode records one node's name, type, and position.
func (s *Store) SetNode(ctx context.Context, sessionID, nodeID int, name, typ string, x, y, z float64) {
	if s == nil {
		return
	}
	err := s.client.HSet(ctx, nodeKey(sessionID, nodeID), map[string]interface{}{
		"name": name,
		"type": typ,
		"x":    x,
		"y":    y,
		"z":    z,
	}).Err()
	if err != nil {
		util.WithNode(sessionID, nodeID).Debugf("statestore: node: %v", err)
	}
}

// DeleteNode removes a node's mirror entries.
func (s *Store) DeleteNode(ctx context.Context, sessionID, nodeID int) {
	if s == nil {
		return
	}
	s.client.Del(ctx, nodeKey(sessionID, nodeID), serviceKey(sessionID, nodeID))
}

// SetServiceState records one service's state on a node.
func (s *Store) SetServiceState(ctx context.Context, sessionID, nodeID int, service, state string) {
	if s == nil {
		return
	}
	if err := s.client.HSet(ctx, serviceKey(sessionID, nodeID), service, state).Err(); err != nil {
		util.WithNode(sessionID, nodeID).Debugf("statestore: service: %v", err)
	}
}

// DeleteSession removes every mirror entry for a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID int) {
	if s == nil {
		return
	}
	pattern := sessionKey(sessionID) + "*"
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	keys = append(keys, sessionKey(sessionID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		util.WithSession(sessionID).Debugf("statestore: delete session: %v", err)
	}
}
