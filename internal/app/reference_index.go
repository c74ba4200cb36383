package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/disbursement-service/internal/domain"
)

// ReferenceIndex maps reference ids to the backend that owns their latest row,
// so status lookups can be sent to the right ledger partition.
//
// Record keeps an entry only if its RowID is higher than the one already stored,
// so out-of-order writers cannot move a reference back to an older row. An empty
// Backend marks the reference unrouted and Lookup reports it as a miss. Forget
// drops entries, which also turns them into misses.
type ReferenceIndex interface {
	Record(ctx context.Context, entries map[string]domain.ReferenceOwner) error
	Forget(ctx context.Context, referenceIDs []string) error
	Lookup(ctx context.Context, referenceIDs []string) (map[string]domain.ReferenceOwner, error)
}

// ReferenceSource lists the current reference owners from the ledger.
type ReferenceSource interface {
	ListReferenceOwners(ctx context.Context) (map[string]domain.ReferenceOwner, error)
}

// RebuildReferenceIndex loads every routed reference from the ledger into index.
func RebuildReferenceIndex(ctx context.Context, source ReferenceSource, index ReferenceIndex) (int, error) {
	entries, err := source.ListReferenceOwners(ctx)
	if err != nil {
		return 0, fmt.Errorf("list reference owners: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := index.Record(ctx, entries); err != nil {
		return 0, fmt.Errorf("record reference owners: %w", err)
	}
	return len(entries), nil
}

// MemoryReferenceIndex is a process-local ReferenceIndex.
type MemoryReferenceIndex struct {
	mu      sync.RWMutex
	entries map[string]domain.ReferenceOwner
}

func NewMemoryReferenceIndex() *MemoryReferenceIndex {
	return &MemoryReferenceIndex{entries: make(map[string]domain.ReferenceOwner)}
}

func (m *MemoryReferenceIndex) Record(ctx context.Context, entries map[string]domain.ReferenceOwner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, owner := range entries {
		if current, ok := m.entries[ref]; ok && current.RowID >= owner.RowID {
			continue
		}
		m.entries[ref] = owner
	}
	return nil
}

func (m *MemoryReferenceIndex) Forget(ctx context.Context, referenceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range referenceIDs {
		delete(m.entries, ref)
	}
	return nil
}

func (m *MemoryReferenceIndex) Lookup(ctx context.Context, referenceIDs []string) (map[string]domain.ReferenceOwner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.ReferenceOwner, len(referenceIDs))
	for _, ref := range referenceIDs {
		if owner, ok := m.entries[ref]; ok && owner.Backend != "" {
			out[ref] = owner
		}
	}
	return out, nil
}

// recordOwnerScript sets each hash field only when the incoming row id is higher
// than the stored one. ARGV holds field/value pairs encoded by encodeOwner.
var recordOwnerScript = redis.NewScript(`
for i = 1, #ARGV, 2 do
  local incoming = tonumber(string.match(ARGV[i + 1], "^(%d+)|"))
  local current = redis.call("HGET", KEYS[1], ARGV[i])
  local currentID = -1
  if current then
    currentID = tonumber(string.match(current, "^(%d+)|")) or -1
  end
  if incoming > currentID then
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
  end
end
return 1
`)

// RedisReferenceIndex stores the mapping in a single Redis hash shared by replicas.
// Values are encoded as "<row id>|<backend>".
type RedisReferenceIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisReferenceIndex(client redis.UniversalClient, prefix string) *RedisReferenceIndex {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "disbursement:ref"
	}
	return &RedisReferenceIndex{client: client, key: trimmedPrefix + ":backends"}
}

func (r *RedisReferenceIndex) Record(ctx context.Context, entries map[string]domain.ReferenceOwner) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(entries)*2)
	for ref, owner := range entries {
		args = append(args, ref, encodeOwner(owner))
	}
	return recordOwnerScript.Run(ctx, r.client, []string{r.key}, args...).Err()
}

func (r *RedisReferenceIndex) Forget(ctx context.Context, referenceIDs []string) error {
	if len(referenceIDs) == 0 {
		return nil
	}
	return r.client.HDel(ctx, r.key, referenceIDs...).Err()
}

func (r *RedisReferenceIndex) Lookup(ctx context.Context, referenceIDs []string) (map[string]domain.ReferenceOwner, error) {
	out := make(map[string]domain.ReferenceOwner, len(referenceIDs))
	if len(referenceIDs) == 0 {
		return out, nil
	}
	values, err := r.client.HMGet(ctx, r.key, referenceIDs...).Result()
	if err != nil {
		return nil, err
	}
	for i, raw := range values {
		value, ok := raw.(string)
		if !ok {
			continue
		}
		if owner, ok := decodeOwner(value); ok && owner.Backend != "" {
			out[referenceIDs[i]] = owner
		}
	}
	return out, nil
}

func encodeOwner(owner domain.ReferenceOwner) string {
	return strconv.FormatInt(owner.RowID, 10) + "|" + owner.Backend
}

func decodeOwner(value string) (domain.ReferenceOwner, bool) {
	rawID, backend, found := strings.Cut(value, "|")
	if !found {
		return domain.ReferenceOwner{}, false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return domain.ReferenceOwner{}, false
	}
	return domain.ReferenceOwner{Backend: backend, RowID: id}, true
}
