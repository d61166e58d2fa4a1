package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/zstd"
	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/pkg/logger"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/store"
	"github.com/nimbusmq/broker/types/message"
)

// StorageBackend selects which concrete store.Store implementation backs a
// domain's durable state. Retained messages always live in the in-memory
// trie (store.RetainedStore); only session and offline-message persistence
// vary per deployment.
type StorageBackend int

const (
	StorageBackendMemory StorageBackend = iota
	StorageBackendPebble
	StorageBackendRedis
)

// StorageConfig configures one Domain's Storage. Pebble and Redis fields
// are only consulted when Backend selects them.
type StorageConfig struct {
	Backend StorageBackend

	PebblePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Compress, when true, zstd-compresses queued message payloads at or
	// above CompressThreshold bytes before they're handed to the
	// underlying store. This runs independent of whichever encoding the
	// store itself uses to serialize the record (cbor, for Pebble/Redis).
	Compress          bool
	CompressThreshold int
}

// queuedMessageRecord is the persisted shape of one offline-queued message.
// It intentionally mirrors message.Message rather than embedding it so the
// wire-facing type can evolve independently of what's stored on disk.
type queuedMessageRecord struct {
	PacketID         uint16
	Topic            string
	Payload          []byte
	Compressed       bool
	QoS              byte
	Retain           bool
	DUP              bool
	Properties       map[string]interface{}
	CreatedAt        time.Time
	ExpiryInterval   uint32
	MessageExpirySet bool
}

type queuedEntry struct {
	Messages []queuedMessageRecord
}

// Storage realizes the broker's storage contract: subscription
// persistence, offline message queuing, packet-id locking and retained
// messages. It composes the session and generic store packages rather than
// reimplementing any of their persistence logic.
type Storage struct {
	cfg StorageConfig
	log *logger.SlogLogger

	retained     *store.RetainedStore
	queued       store.Store[*queuedEntry]
	sessionStore session.Store
	sessions     *session.Manager

	pidMu sync.Mutex
	pids  map[string]map[uint16]struct{}
}

// NewStorage builds a Storage for one domain's backend selection,
// constructing the session store alongside the queued-message store so
// both share the same backend (a Pebble-backed domain keeps its sessions
// and queued messages in the same family of on-disk tables).
func NewStorage(cfg StorageConfig, log *logger.SlogLogger) (*Storage, session.Store, error) {
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = 256
	}

	var (
		queued  store.Store[*queuedEntry]
		sstore  session.Store
		err     error
	)

	switch cfg.Backend {
	case StorageBackendPebble:
		queued, err = store.NewPebbleStore[*queuedEntry](store.PebbleStoreConfig{
			Path:   cfg.PebblePath,
			Prefix: "queued:",
		})
		if err != nil {
			return nil, nil, err
		}
		sstore, err = session.NewPebbleStore(session.PebbleStoreConfig{Path: cfg.PebblePath})
		if err != nil {
			return nil, nil, err
		}
	case StorageBackendRedis:
		queued, err = store.NewRedisStore[*queuedEntry](store.RedisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "queued:",
		})
		if err != nil {
			return nil, nil, err
		}
		sstore, err = session.NewRedisStore(session.RedisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
	default:
		queued = store.NewMemoryStore[*queuedEntry]()
		sstore = session.NewMemoryStore()
	}

	s := &Storage{
		cfg:          cfg,
		log:          log,
		retained:     store.NewRetainedStore(),
		queued:       queued,
		sessionStore: sstore,
		pids:         make(map[string]map[uint16]struct{}),
	}
	return s, sstore, nil
}

// bindSessions lets Domain wire the session.Manager back into Storage once
// it's constructed, so Storage.SessionRecover/Clear can delegate to it
// instead of duplicating session lifecycle rules.
func (s *Storage) bindSessions(m *session.Manager) { s.sessions = m }

func (s *Storage) Init(ctx context.Context) error { return nil }

// Sub persists a subscription onto the client's session record so it
// survives a reconnect with CleanStart=false. Live routing into the
// domain's topic.Router happens separately.
func (s *Storage) Sub(ctx context.Context, sess *session.Session, sub *session.Subscription) error {
	sess.AddSubscription(sub)
	return s.sessionStore.Save(ctx, sess)
}

func (s *Storage) Unsub(ctx context.Context, sess *session.Session, topicFilter string) error {
	sess.RemoveSubscription(topicFilter)
	return s.sessionStore.Save(ctx, sess)
}

// SessionRecover loads or creates the session for clientID, honoring
// cleanStart exactly as session.Manager.CreateSession does.
func (s *Storage) SessionRecover(ctx context.Context, clientID string, cleanStart bool, expiryInterval uint32, protocolVersion byte) (*session.Session, bool, error) {
	return s.sessions.CreateSession(ctx, clientID, cleanStart, expiryInterval, protocolVersion)
}

// Clear removes every trace of a client-id: its session, its offline queue
// and any packet-id locks still held.
func (s *Storage) Clear(ctx context.Context, clientID string) error {
	if err := s.queued.Delete(ctx, clientID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.pidMu.Lock()
	delete(s.pids, clientID)
	s.pidMu.Unlock()
	return s.sessions.RemoveSession(ctx, clientID)
}

// StoreMsg appends msg to clientID's offline queue, enforcing the domain's
// StorageMessagesLimit and StorageQuotaLimit if set. Payloads at or above
// CompressThreshold are zstd-compressed before being handed to the backing
// store.
func (s *Storage) StoreMsg(ctx context.Context, clientID string, msg *message.Message, settings *DomainSettings) error {
	entry, err := s.loadEntry(ctx, clientID)
	if err != nil {
		return err
	}

	if settings != nil && settings.StorageMessagesLimit > 0 && len(entry.Messages) >= settings.StorageMessagesLimit {
		return &ResourceError{Domain: s.domainNameOf(settings), Limit: "storage_messages", Err: ErrResourceExhausted}
	}
	if settings != nil && settings.StorageQuotaLimit > 0 {
		total := int64(len(msg.Payload))
		for _, rec := range entry.Messages {
			total += int64(len(rec.Payload))
		}
		if total > settings.StorageQuotaLimit {
			return &ResourceError{Domain: s.domainNameOf(settings), Limit: "storage_quota", Err: ErrResourceExhausted}
		}
	}

	rec, err := s.encodeRecord(msg)
	if err != nil {
		return err
	}
	entry.Messages = append(entry.Messages, rec)
	return s.queued.Save(ctx, clientID, entry)
}

func (s *Storage) domainNameOf(settings *DomainSettings) string {
	if settings == nil {
		return ""
	}
	return settings.Name
}

// ReleaseMsg removes one message from a client's offline queue once it has
// been fully acknowledged (or, for QoS0, delivered).
func (s *Storage) ReleaseMsg(ctx context.Context, clientID string, packetID uint16) error {
	entry, err := s.loadEntry(ctx, clientID)
	if err != nil {
		return err
	}
	for i, rec := range entry.Messages {
		if rec.PacketID == packetID {
			entry.Messages = append(entry.Messages[:i], entry.Messages[i+1:]...)
			return s.queued.Save(ctx, clientID, entry)
		}
	}
	return nil
}

// LockPacketID claims packet id for clientID's local allocation space,
// returning false if it's already held. Locks are process-local: they
// exist to keep a reconnecting client's qos.Handler from reusing an id
// still pending against the persisted queue, not to coordinate across a
// cluster of brokers sharing one Redis-backed domain.
func (s *Storage) LockPacketID(clientID string, id uint16) bool {
	s.pidMu.Lock()
	defer s.pidMu.Unlock()
	set := s.pids[clientID]
	if set == nil {
		set = make(map[uint16]struct{})
		s.pids[clientID] = set
	}
	if _, exists := set[id]; exists {
		return false
	}
	set[id] = struct{}{}
	return true
}

func (s *Storage) ReleasePacketID(clientID string, id uint16) {
	s.pidMu.Lock()
	defer s.pidMu.Unlock()
	if set, ok := s.pids[clientID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.pids, clientID)
		}
	}
}

// QueuedMessages returns every message queued for an offline client, in
// the order they were stored.
func (s *Storage) QueuedMessages(ctx context.Context, clientID string) ([]*message.Message, error) {
	entry, err := s.loadEntry(ctx, clientID)
	if err != nil {
		return nil, err
	}
	msgs := make([]*message.Message, 0, len(entry.Messages))
	for _, rec := range entry.Messages {
		m, err := s.decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// QueuedMessagesQuota reports how many messages and how many raw payload
// bytes are currently queued for a client-id, for StorageQuotaLimit checks.
func (s *Storage) QueuedMessagesQuota(ctx context.Context, clientID string) (count int, bytes int64, err error) {
	entry, err := s.loadEntry(ctx, clientID)
	if err != nil {
		return 0, 0, err
	}
	count = len(entry.Messages)
	for _, rec := range entry.Messages {
		bytes += int64(len(rec.Payload))
	}
	return count, bytes, nil
}

func (s *Storage) QueuedFlush(ctx context.Context, clientID string) error {
	if err := s.queued.Delete(ctx, clientID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Storage) RetainSet(ctx context.Context, topicName string, msg *message.Message) error {
	return s.retained.Set(ctx, topicName, msg)
}

func (s *Storage) RetainRelease(ctx context.Context, topicName string) error {
	return s.retained.Delete(ctx, topicName)
}

func (s *Storage) RetainRecover(ctx context.Context, topicName string) (*message.Message, error) {
	msg, err := s.retained.Get(ctx, topicName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

func (s *Storage) RetainTopicsMatching(ctx context.Context, filter string) ([]*message.Message, error) {
	return s.retained.Match(ctx, filter, filterMatcher{})
}

func (s *Storage) Close() error {
	_ = s.queued.Close()
	return s.retained.Close()
}

func (s *Storage) loadEntry(ctx context.Context, clientID string) (*queuedEntry, error) {
	entry, err := s.queued.Load(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &queuedEntry{}, nil
		}
		return nil, err
	}
	return entry, nil
}

func (s *Storage) encodeRecord(msg *message.Message) (queuedMessageRecord, error) {
	rec := queuedMessageRecord{
		PacketID:         msg.PacketID,
		Topic:            msg.Topic,
		QoS:              byte(msg.QoS),
		Retain:           msg.Retain,
		DUP:              msg.DUP,
		Properties:       msg.Properties,
		CreatedAt:        msg.CreatedAt,
		ExpiryInterval:   msg.ExpiryInterval,
		MessageExpirySet: msg.MessageExpirySet,
	}
	if s.cfg.Compress && len(msg.Payload) >= s.cfg.CompressThreshold {
		compressed, err := zstd.Compress(nil, msg.Payload)
		if err != nil {
			return rec, err
		}
		rec.Payload = compressed
		rec.Compressed = true
	} else {
		rec.Payload = msg.Payload
	}
	return rec, nil
}

func (s *Storage) decodeRecord(rec queuedMessageRecord) (*message.Message, error) {
	payload := rec.Payload
	if rec.Compressed {
		raw, err := zstd.Decompress(nil, rec.Payload)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	msg := message.NewMessage(rec.PacketID, rec.Topic, payload, encoding.QoS(rec.QoS), rec.Retain, rec.Properties)
	msg.DUP = rec.DUP
	msg.CreatedAt = rec.CreatedAt
	msg.ExpiryInterval = rec.ExpiryInterval
	msg.MessageExpirySet = rec.MessageExpirySet
	return msg, nil
}

// filterMatcher implements store.TopicMatcher using the same level-by-level
// wildcard semantics as topic.Trie, for callers of RetainedStore.Match that
// want a standalone filter-vs-topic test rather than a populated trie walk.
type filterMatcher struct{}

func (filterMatcher) Match(filter, topicName string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topicName, "/")

	i := 0
	for ; i < len(filterLevels); i++ {
		if filterLevels[i] == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if filterLevels[i] == "+" {
			continue
		}
		if filterLevels[i] != topicLevels[i] {
			return false
		}
	}
	return i == len(topicLevels)
}
