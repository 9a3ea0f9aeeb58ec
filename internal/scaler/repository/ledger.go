package repository

import (
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	strataresource "github.com/strata-analysis/strata/internal/common/resource"
	"github.com/strata-analysis/strata/internal/common/util"
	"github.com/strata-analysis/strata/internal/scaler/domain"
)

const (
	ledgerNodesPrefix       = "Ledger:Nodes:"
	ledgerCapacityPrefix    = "Ledger:Cap:"
	ledgerAllocatedPrefix   = "Ledger:Alloc:"
	ledgerReservationPrefix = "Ledger:Rsv:"
	ledgerReservationsKey   = "Ledger:Reservations"
)

// Reservation is the ledger's receipt for capacity held on a node. It is the
// only lock-like primitive in the system: placements reserve before dispatch
// and release on any terminal worker transition.
type Reservation struct {
	Id        string
	Node      string
	Resources strataresource.ComputeResources
}

type NodeInfo struct {
	Name      string
	Backend   domain.BackendKind
	Capacity  strataresource.ComputeResources
	Allocated strataresource.ComputeResources
}

func (n *NodeInfo) Free() strataresource.ComputeResources {
	free := n.Capacity.DeepCopy()
	free.Sub(n.Allocated)
	return free
}

// ResourceLedger is the single source of truth for node capacity. Reserve is
// an atomic check-and-increment so concurrent scheduler instances cannot
// overcommit a node; transient races surface as ErrInsufficientResources
// rather than requiring any global scheduling lock.
type ResourceLedger interface {
	UpsertNode(backend domain.BackendKind, node string, capacity strataresource.ComputeResources) error
	RemoveNode(backend domain.BackendKind, node string) error
	Nodes(backend domain.BackendKind) ([]*NodeInfo, error)
	Capacity(node string) (strataresource.ComputeResources, error)
	Allocated(node string) (strataresource.ComputeResources, error)
	Free(node string) (strataresource.ComputeResources, error)
	Reserve(node string, amount strataresource.ComputeResources) (*Reservation, error)
	Release(reservation *Reservation) error
	StaleReservations(olderThan time.Time) ([]*Reservation, error)
	BackendLoad(backend domain.BackendKind) (float64, error)
}

type RedisResourceLedger struct {
	db redis.UniversalClient
}

func NewRedisResourceLedger(db redis.UniversalClient) *RedisResourceLedger {
	return &RedisResourceLedger{db: db}
}

// reserveScript checks every component fits and increments allocations in one
// atomic step. Re-running a reservation id that already exists succeeds
// without double-allocating so interrupted passes can safely retry. Every
// live reservation is indexed by creation time so ones orphaned by a crash
// between reserve and worker registration can be swept later.
// KEYS = {capacity, allocated, reservation, index};
// ARGV = component amounts in canonical order, node, created millis, id.
const reserveScript = `
if redis.call('EXISTS', KEYS[3]) == 1 then
	return 1
end
local components = {'cpu', 'memory', 'ephemeral-storage', 'gpu'}
for i, component in ipairs(components) do
	local cap = tonumber(redis.call('HGET', KEYS[1], component)) or 0
	local alloc = tonumber(redis.call('HGET', KEYS[2], component)) or 0
	local req = tonumber(ARGV[i])
	if alloc + req > cap then
		return 0
	end
end
for i, component in ipairs(components) do
	redis.call('HINCRBY', KEYS[2], component, ARGV[i])
	redis.call('HSET', KEYS[3], component, ARGV[i])
end
redis.call('HSET', KEYS[3], 'node', ARGV[5])
redis.call('ZADD', KEYS[4], ARGV[6], ARGV[7])
return 1
`

// releaseScript credits capacity back exactly once: releasing a reservation
// that no longer exists is a no-op, never a double-credit.
// KEYS = {allocated, reservation, index}; ARGV = {id}.
const releaseScript = `
if redis.call('EXISTS', KEYS[2]) == 0 then
	redis.call('ZREM', KEYS[3], ARGV[1])
	return 0
end
local components = {'cpu', 'memory', 'ephemeral-storage', 'gpu'}
for i, component in ipairs(components) do
	local held = tonumber(redis.call('HGET', KEYS[2], component)) or 0
	redis.call('HINCRBY', KEYS[1], component, -held)
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`

func (l *RedisResourceLedger) UpsertNode(backend domain.BackendKind, node string, capacity strataresource.ComputeResources) error {
	values := capacity.AsScaledValues()
	fields := make(map[string]interface{}, len(strataresource.Components))
	for i, component := range strataresource.Components {
		fields[component] = values[i]
	}
	pipe := l.db.TxPipeline()
	pipe.SAdd(ledgerNodesPrefix+string(backend), node)
	pipe.HMSet(ledgerCapacityPrefix+node, fields)
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func (l *RedisResourceLedger) RemoveNode(backend domain.BackendKind, node string) error {
	pipe := l.db.TxPipeline()
	pipe.SRem(ledgerNodesPrefix+string(backend), node)
	pipe.Del(ledgerCapacityPrefix + node)
	pipe.Del(ledgerAllocatedPrefix + node)
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func (l *RedisResourceLedger) Nodes(backend domain.BackendKind) ([]*NodeInfo, error) {
	names, err := l.db.SMembers(ledgerNodesPrefix + string(backend)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	nodes := make([]*NodeInfo, 0, len(names))
	for _, name := range names {
		capacity, err := l.Capacity(name)
		if err != nil {
			return nil, err
		}
		allocated, err := l.Allocated(name)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, &NodeInfo{
			Name:      name,
			Backend:   backend,
			Capacity:  capacity,
			Allocated: allocated,
		})
	}
	return nodes, nil
}

func (l *RedisResourceLedger) Capacity(node string) (strataresource.ComputeResources, error) {
	return l.readVector(ledgerCapacityPrefix + node)
}

func (l *RedisResourceLedger) Allocated(node string) (strataresource.ComputeResources, error) {
	return l.readVector(ledgerAllocatedPrefix + node)
}

func (l *RedisResourceLedger) Free(node string) (strataresource.ComputeResources, error) {
	capacity, err := l.Capacity(node)
	if err != nil {
		return nil, err
	}
	allocated, err := l.Allocated(node)
	if err != nil {
		return nil, err
	}
	capacity.Sub(allocated)
	return capacity, nil
}

func (l *RedisResourceLedger) Reserve(node string, amount strataresource.ComputeResources) (*Reservation, error) {
	reservation := &Reservation{
		Id:        util.NewULID(),
		Node:      node,
		Resources: amount.DeepCopy(),
	}
	values := amount.AsScaledValues()
	args := make([]interface{}, 0, len(values)+3)
	for _, v := range values {
		args = append(args, v)
	}
	args = append(args, node, time.Now().UnixMilli(), reservation.Id)
	result, err := l.db.Eval(
		reserveScript,
		[]string{
			ledgerCapacityPrefix + node,
			ledgerAllocatedPrefix + node,
			ledgerReservationPrefix + reservation.Id,
			ledgerReservationsKey,
		},
		args...,
	).Int()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if result == 0 {
		return nil, &ErrInsufficientResources{Node: node}
	}
	return reservation, nil
}

func (l *RedisResourceLedger) Release(reservation *Reservation) error {
	_, err := l.db.Eval(
		releaseScript,
		[]string{
			ledgerAllocatedPrefix + reservation.Node,
			ledgerReservationPrefix + reservation.Id,
			ledgerReservationsKey,
		},
		reservation.Id,
	).Int()
	return errors.WithStack(err)
}

// StaleReservations lists reservations created before olderThan that are
// still holding capacity. A reservation its owning worker crashed away from
// shows up here so the lifecycle sweep can release it.
func (l *RedisResourceLedger) StaleReservations(olderThan time.Time) ([]*Reservation, error) {
	ids, err := l.db.ZRangeByScore(ledgerReservationsKey, redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	reservations := make([]*Reservation, 0, len(ids))
	for _, id := range ids {
		fields, err := l.db.HGetAll(ledgerReservationPrefix + id).Result()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if len(fields) == 0 {
			// released concurrently, drop the index entry
			l.db.ZRem(ledgerReservationsKey, id)
			continue
		}
		values := make([]int64, len(strataresource.Components))
		for i, component := range strataresource.Components {
			raw, ok := fields[component]
			if !ok {
				continue
			}
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			values[i] = value
		}
		reservations = append(reservations, &Reservation{
			Id:        id,
			Node:      fields["node"],
			Resources: strataresource.FromScaledValues(values),
		})
	}
	return reservations, nil
}

// BackendLoad is the fraction of the backend's allocatable capacity that is
// reserved, taking the more loaded of cpu and memory. Used by the preemption
// policy's global threshold check.
func (l *RedisResourceLedger) BackendLoad(backend domain.BackendKind) (float64, error) {
	nodes, err := l.Nodes(backend)
	if err != nil {
		return 0, err
	}
	var capCpu, capMem, allocCpu, allocMem int64
	for _, node := range nodes {
		capValues := node.Capacity.AsScaledValues()
		allocValues := node.Allocated.AsScaledValues()
		capCpu += capValues[0]
		capMem += capValues[1]
		allocCpu += allocValues[0]
		allocMem += allocValues[1]
	}
	load := 0.0
	if capCpu > 0 {
		load = float64(allocCpu) / float64(capCpu)
	}
	if capMem > 0 {
		memLoad := float64(allocMem) / float64(capMem)
		if memLoad > load {
			load = memLoad
		}
	}
	return load, nil
}

func (l *RedisResourceLedger) readVector(key string) (strataresource.ComputeResources, error) {
	fields, err := l.db.HGetAll(key).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	values := make([]int64, len(strataresource.Components))
	for i, component := range strataresource.Components {
		raw, ok := fields[component]
		if !ok {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		values[i] = value
	}
	return strataresource.FromScaledValues(values), nil
}
