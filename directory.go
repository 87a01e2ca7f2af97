package carrier

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"google.golang.org/protobuf/encoding/protowire"
)

// Resolver maps a port name to the address of its control channel.
type Resolver interface {
	Resolve(name string) (string, error)
}

// StaticResolver is a fixed name table.
type StaticResolver map[string]string

func (sr StaticResolver) Resolve(name string) (string, error) {
	addr, ok := sr[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNameResolution, name)
	}
	return addr, nil
}

const metaVersion = 1

// node metadata fields.
const (
	metaFieldPort    protowire.Number = 1
	metaFieldVersion protowire.Number = 15

	portFieldName protowire.Number = 1
	portFieldAddr protowire.Number = 2
)

type portRecord struct {
	node string
	addr string
}

// Directory is an eventually consistent naming service: every node
// gossips the ports it listens on in its memberlist metadata, and
// every node indexes what it learns in a radix tree.
//
// When two nodes advertise the same port name, the one with the
// lowest node name wins on every node.
type Directory struct {
	name   string
	ml     *memberlist.Memberlist
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk    sync.RWMutex
	local map[string]string
	nodes map[string]map[string]string
	index *iradix.Tree
}

var (
	_ Resolver                = (*Directory)(nil)
	_ memberlist.Delegate      = (*Directory)(nil)
	_ memberlist.EventDelegate = (*Directory)(nil)
)

// NewDirectory starts gossiping with mlCfg, the delegates of mlCfg are
// overwritten.
func NewDirectory(mlCfg *memberlist.Config, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}
	dir := &Directory{
		name:   mlCfg.Name,
		logger: logger,
		msink:  msink,
		labels: labels,
		local:  make(map[string]string),
		nodes:  make(map[string]map[string]string),
		index:  iradix.New(),
	}

	mlCfg.Delegate = dir
	mlCfg.Events = dir
	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	dir.ml = ml
	return dir, nil
}

// LocalNode is our name in the cluster.
func (dir *Directory) LocalNode() string {
	return dir.name
}

// Join contacts neighbours, it returns how many were reached.
func (dir *Directory) Join(neighbours []string) (int, error) {
	if len(neighbours) == 0 {
		return 0, nil
	}
	joined, err := dir.ml.Join(neighbours)
	if err != nil {
		return joined, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	if joined != len(neighbours) {
		dir.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return joined, nil
}

// Register advertises a local port reachable at addr.
func (dir *Directory) Register(name, addr string) error {
	if !ValidatePortName(name) {
		return ErrNameInvalid
	}
	dir.lk.Lock()
	dir.local[name] = addr
	dir.setNodeLocked(dir.name, maps.Clone(dir.local))
	dir.lk.Unlock()
	return dir.advertise()
}

// Unregister stops advertising a local port.
func (dir *Directory) Unregister(name string) error {
	dir.lk.Lock()
	if _, ok := dir.local[name]; !ok {
		dir.lk.Unlock()
		return nil
	}
	delete(dir.local, name)
	dir.setNodeLocked(dir.name, maps.Clone(dir.local))
	dir.lk.Unlock()
	return dir.advertise()
}

func (dir *Directory) advertise() error {
	if err := dir.ml.UpdateNode(5 * time.Second); err != nil {
		dir.logger.Warn("failed to propagate local ports", LabelError.L(err))
		return err
	}
	return nil
}

// Resolve returns the control address of the port name.
func (dir *Directory) Resolve(name string) (string, error) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	val, ok := dir.index.Get([]byte(name))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNameResolution, name)
	}
	return val.(*portRecord).addr, nil
}

// Scan lists the known port names starting with prefix.
func (dir *Directory) Scan(prefix string) (found []string, err error) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	dir.index.Root().WalkPrefix([]byte(prefix), func(k []byte, _ interface{}) bool {
		found = append(found, string(k))
		return false
	})
	if len(found) == 0 {
		err = ErrNameResolution
	}
	return
}

// Owner returns the node advertising the port name.
func (dir *Directory) Owner(name string) (string, bool) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	val, ok := dir.index.Get([]byte(name))
	if !ok {
		return "", false
	}
	return val.(*portRecord).node, true
}

func (dir *Directory) Members() []*memberlist.Node {
	return dir.ml.Members()
}

// Close leaves the cluster gracefully then stops gossiping.
func (dir *Directory) Close() error {
	if err := dir.ml.Leave(5 * time.Second); err != nil {
		dir.logger.Warn("failed to leave cluster", LabelError.L(err))
	}
	return dir.ml.Shutdown()
}

// setNodeLocked replaces the ports of node and rebuilds the index.
func (dir *Directory) setNodeLocked(node string, ports map[string]string) {
	if len(ports) == 0 {
		delete(dir.nodes, node)
	} else {
		dir.nodes[node] = ports
	}

	txn := iradix.New().Txn()
	nodeNames := slices.Sorted(maps.Keys(dir.nodes))
	for _, owner := range nodeNames {
		for name, addr := range dir.nodes[owner] {
			if existing, ok := txn.Get([]byte(name)); ok {
				dir.logger.Warn(
					"port advertised by several nodes",
					LabelPortName.L(name),
					LabelPeerName.L(existing.(*portRecord).node),
					"shadowed", owner,
				)
				continue
			}
			txn.Insert([]byte(name), &portRecord{node: owner, addr: addr})
		}
	}
	dir.index = txn.Commit()
	dir.msink.SetGaugeWithLabels(MetricDirectoryPorts, float32(dir.index.Len()), dir.labels)
}

func (dir *Directory) learn(node *memberlist.Node) {
	if node.Name == dir.name {
		return
	}
	ports, err := decodeNodeMeta(node.Meta)
	if err != nil {
		withLogNode(dir.logger, node).Warn("ignoring node metadata", LabelError.L(err))
		return
	}
	dir.lk.Lock()
	dir.setNodeLocked(node.Name, ports)
	dir.lk.Unlock()
}

func (dir *Directory) NotifyJoin(node *memberlist.Node) {
	withLogNode(dir.logger, node).Info("peer joined cluster")
	dir.learn(node)
}

func (dir *Directory) NotifyLeave(node *memberlist.Node) {
	withLogNode(dir.logger, node).Info("peer left cluster")
	if node.Name == dir.name {
		return
	}
	dir.lk.Lock()
	dir.setNodeLocked(node.Name, nil)
	dir.lk.Unlock()
}

func (dir *Directory) NotifyUpdate(node *memberlist.Node) {
	withLogNode(dir.logger, node).Debug("peer updated")
	dir.learn(node)
}

// NodeMeta advertises as many local ports as fit within limit.
func (dir *Directory) NodeMeta(limit int) []byte {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	meta, dropped := encodeNodeMeta(dir.local, limit)
	if dropped > 0 {
		dir.logger.Warn("node metadata is full, some ports are not advertised", "dropped", dropped)
	}
	return meta
}

// Everything we gossip is in the node metadata.
func (dir *Directory) NotifyMsg([]byte)                           {}
func (dir *Directory) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (dir *Directory) LocalState(join bool) []byte                { return nil }
func (dir *Directory) MergeRemoteState(buf []byte, join bool)     {}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

// encodeNodeMeta encodes ports in name order, it stops before
// exceeding limit and reports how many ports were left out.
func encodeNodeMeta(ports map[string]string, limit int) ([]byte, int) {
	var b []byte
	b = protowire.AppendTag(b, metaFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, metaVersion)

	names := slices.Sorted(maps.Keys(ports))
	for i, name := range names {
		var entry []byte
		entry = protowire.AppendTag(entry, portFieldName, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, portFieldAddr, protowire.BytesType)
		entry = protowire.AppendString(entry, ports[name])

		size := protowire.SizeTag(metaFieldPort) + protowire.SizeBytes(len(entry))
		if limit > 0 && len(b)+size > limit {
			return b, len(names) - i
		}
		b = protowire.AppendTag(b, metaFieldPort, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, 0
}

func decodeNodeMeta(b []byte) (map[string]string, error) {
	ports := make(map[string]string)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == metaFieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
			}
			if v != metaVersion {
				return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidMeta, v)
			}
			b = b[n:]
		case num == metaFieldPort && typ == protowire.BytesType:
			entry, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
			}
			name, addr, err := decodePort(entry)
			if err != nil {
				return nil, err
			}
			ports[name] = addr
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return ports, nil
}

func decodePort(b []byte) (name, addr string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != portFieldName && num != portFieldAddr) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
		}
		if num == portFieldName {
			name = v
		} else {
			addr = v
		}
		b = b[n:]
	}
	if name == "" || addr == "" {
		return "", "", fmt.Errorf("%w: port entry without name or address", ErrInvalidMeta)
	}
	return name, addr, nil
}
