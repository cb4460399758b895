// Package control subscribes to admin-triggered operations on NATS
// (github.com/nats-io/nats.go) and translates them into Registry calls:
// session revocation, app/admin deletion, and file-ID cache priming.
// These are out-of-band operations the fan-out engine itself has no
// opinion on triggering, only on acting upon.
package control

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Registry is the subset of *engine.Registry control needs.
type Registry interface {
	CloseUsersConnectedClients(userID string, status int) int
	CloseAppsConnectedClients(appID string, status int) int
	CloseAdminsConnectedClients(adminID string, status int) int
	CacheFileId(fileID string)
}

const statusPolicyViolation = 1008 // engine.StatusPolicyViolation

// Subject names this package understands. Admin tooling publishes
// these; fan-out instances subscribe under one shared queue group, so
// NATS delivers each message to exactly one instance of the group.
const (
	subjectRevokeUser  = "fanout.revoke.user"
	subjectDeleteApp   = "fanout.revoke.app"
	subjectDeleteAdmin = "fanout.revoke.admin"
	subjectCacheFileID = "fanout.cache.fileid"
)

type revokeMessage struct {
	ID string `json:"id"`
}

type cacheFileIDMessage struct {
	FileID string `json:"fileId"`
}

// Subscriber owns the NATS connection and subscriptions.
type Subscriber struct {
	conn     *nats.Conn
	registry Registry
	logger   zerolog.Logger
	subs     []*nats.Subscription
}

// Connect dials url and wires up subscriptions against registry. The
// queue group name lets multiple fan-out instances share subjects
// without duplicating work.
func Connect(url, queueGroup string, registry Registry, logger zerolog.Logger) (*Subscriber, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
	)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{conn: conn, registry: registry, logger: logger}

	bindings := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{subjectRevokeUser, s.handleRevokeUser},
		{subjectDeleteApp, s.handleDeleteApp},
		{subjectDeleteAdmin, s.handleDeleteAdmin},
		{subjectCacheFileID, s.handleCacheFileID},
	}

	for _, b := range bindings {
		sub, err := conn.QueueSubscribe(b.subject, queueGroup, b.handler)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.subs = append(s.subs, sub)
	}

	return s, nil
}

func (s *Subscriber) handleRevokeUser(msg *nats.Msg) {
	var m revokeMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed control message")
		return
	}
	n := s.registry.CloseUsersConnectedClients(m.ID, statusPolicyViolation)
	s.logger.Info().Str("userId", m.ID).Int("closed", n).Msg("session revoked")
}

func (s *Subscriber) handleDeleteApp(msg *nats.Msg) {
	var m revokeMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed control message")
		return
	}
	n := s.registry.CloseAppsConnectedClients(m.ID, statusPolicyViolation)
	s.logger.Info().Str("appId", m.ID).Int("closed", n).Msg("app deleted")
}

func (s *Subscriber) handleDeleteAdmin(msg *nats.Msg) {
	var m revokeMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed control message")
		return
	}
	n := s.registry.CloseAdminsConnectedClients(m.ID, statusPolicyViolation)
	s.logger.Info().Str("adminId", m.ID).Int("closed", n).Msg("admin deleted")
}

func (s *Subscriber) handleCacheFileID(msg *nats.Msg) {
	var m cacheFileIDMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed control message")
		return
	}
	s.registry.CacheFileId(m.FileID)
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
