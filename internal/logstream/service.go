// Package logstream turns live agent output into parsed log entries and fans
// them out to observers. Each agent's engine is resolved once from the
// metadata store and cached.
package logstream

import (
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentlog"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/logparser"
)

// DefaultCacheSize bounds the engine cache when no size is configured
const DefaultCacheSize = 1024

// MetadataLookup finds the engine an agent was started with. An empty engine
// and nil error mean the agent is not known.
type MetadataLookup interface {
	LookupEngine(agentID string) (domain.EngineID, error)
}

// Observer receives parsed entries for one agent in arrival order
type Observer interface {
	OnEntries(agentID string, entries []logparser.Entry)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(agentID string, entries []logparser.Entry)

func (f ObserverFunc) OnEntries(agentID string, entries []logparser.Entry) { f(agentID, entries) }

type partialKey struct {
	agentID string
	stream  domain.Stream
}

// Service is the streaming side of the log pipeline
type Service struct {
	logger  *slog.Logger
	parser  *logparser.Unified
	lookup  MetadataLookup
	engines *lru.Cache[string, domain.EngineID]

	mu        sync.Mutex
	partial   map[partialKey]string
	states    map[partialKey]*logparser.StreamState
	observers map[uint64]Observer
	nextObs   uint64
}

// NewService creates a streaming service. lookup may be nil, in which case
// every agent without a primed engine uses the default parser.
func NewService(lookup MetadataLookup, cacheSize int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	engines, err := lru.New[string, domain.EngineID](cacheSize)
	if err != nil {
		// only fails on a non-positive size, guarded above
		panic(err)
	}
	logger = logger.With("component", "logstream")
	return &Service{
		logger:    logger,
		parser:    logparser.NewUnified(logger),
		lookup:    lookup,
		engines:   engines,
		partial:   make(map[partialKey]string),
		states:    make(map[partialKey]*logparser.StreamState),
		observers: make(map[uint64]Observer),
	}
}

// Subscribe registers an observer for all agents. The returned function
// removes it.
func (s *Service) Subscribe(o Observer) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// PrimeEngine records an agent's engine without consulting the store, used
// when the caller spawned the agent and already knows it
func (s *Service) PrimeEngine(agentID string, engine domain.EngineID) {
	s.engines.Add(agentID, engine)
}

// ResolveEngine returns the engine for an agent, consulting the metadata
// store at most once per cached agent. Unknown agents resolve to the default
// engine with a warning.
func (s *Service) ResolveEngine(agentID string) domain.EngineID {
	if e, ok := s.engines.Get(agentID); ok {
		return e
	}

	var engine domain.EngineID
	if s.lookup != nil {
		e, err := s.lookup.LookupEngine(agentID)
		if err != nil {
			s.logger.Warn("engine lookup failed", "agent_id", agentID, "error", err)
		}
		engine = e
	}
	if engine == "" {
		s.logger.Warn("engine unknown for agent, using default", "agent_id", agentID, "default", domain.DefaultEngine)
		engine = domain.DefaultEngine
	}
	s.engines.Add(agentID, engine)
	return engine
}

// ProcessOutput parses a chunk of raw output and delivers the resulting
// entries to every observer. A trailing partial line is held back until the
// rest of it arrives or Flush is called.
func (s *Service) ProcessOutput(agentID string, stream domain.Stream, data string) []logparser.Entry {
	if data == "" {
		return nil
	}
	key := partialKey{agentID, stream}

	s.mu.Lock()
	buf := s.partial[key] + data
	complete, rest := splitComplete(buf)
	if rest == "" {
		delete(s.partial, key)
	} else {
		s.partial[key] = rest
	}
	st := s.stateLocked(key)
	s.mu.Unlock()

	if complete == "" {
		return nil
	}
	entries := s.parser.ParseStream(complete, s.ResolveEngine(agentID), st)
	s.publish(agentID, entries)
	return entries
}

// Flush parses and delivers any held-back partial lines for an agent. The
// executor calls it once the process output has drained.
func (s *Service) Flush(agentID string) []logparser.Entry {
	type pendingChunk struct {
		data string
		st   *logparser.StreamState
	}
	s.mu.Lock()
	var pending []pendingChunk
	for _, stream := range []domain.Stream{domain.StreamStdout, domain.StreamStderr} {
		key := partialKey{agentID, stream}
		if p, ok := s.partial[key]; ok {
			pending = append(pending, pendingChunk{p, s.stateLocked(key)})
			delete(s.partial, key)
		}
	}
	s.mu.Unlock()

	var out []logparser.Entry
	for _, p := range pending {
		entries := s.parser.ParseStream(p.data, s.ResolveEngine(agentID), p.st)
		s.publish(agentID, entries)
		out = append(out, entries...)
	}
	return out
}

// Replay parses a persisted log for history display without notifying
// observers
func (s *Service) Replay(agentID string, envelopes []agentlog.Envelope) []logparser.Entry {
	engine := s.ResolveEngine(agentID)
	var partial string
	var stdout, stderr logparser.StreamState
	var out []logparser.Entry
	for _, env := range envelopes {
		if env.Stream != domain.StreamStdout {
			out = append(out, s.parser.ParseStream(env.Data, engine, &stderr)...)
			continue
		}
		var complete string
		complete, partial = splitComplete(partial + env.Data)
		out = append(out, s.parser.ParseStream(complete, engine, &stdout)...)
	}
	out = append(out, s.parser.ParseStream(partial, engine, &stdout)...)
	return logparser.Merge(out)
}

// ClearCache forgets the cached engine, partial output and stream state of an
// agent
func (s *Service) ClearCache(agentID string) {
	s.engines.Remove(agentID)
	s.mu.Lock()
	for _, stream := range []domain.Stream{domain.StreamStdout, domain.StreamStderr} {
		delete(s.partial, partialKey{agentID, stream})
		delete(s.states, partialKey{agentID, stream})
	}
	s.mu.Unlock()
}

// ClearAllCaches empties the engine cache and all partial output
func (s *Service) ClearAllCaches() {
	s.engines.Purge()
	s.mu.Lock()
	s.partial = make(map[partialKey]string)
	s.states = make(map[partialKey]*logparser.StreamState)
	s.mu.Unlock()
}

// CachedEngines reports how many agents have a cached engine
func (s *Service) CachedEngines() int {
	return s.engines.Len()
}

// stateLocked returns the stream state for key, creating it; s.mu is held
func (s *Service) stateLocked(key partialKey) *logparser.StreamState {
	st, ok := s.states[key]
	if !ok {
		st = &logparser.StreamState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) publish(agentID string, entries []logparser.Entry) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o.OnEntries(agentID, entries)
	}
}

// splitComplete splits buf after its last newline
func splitComplete(buf string) (complete, rest string) {
	i := strings.LastIndexByte(buf, '\n')
	if i < 0 {
		return "", buf
	}
	return buf[:i+1], buf[i+1:]
}
