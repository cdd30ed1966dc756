package arrow

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraMesh/peer"
	"github.com/VanDung-dev/HieraMesh/routing"
)

// PeerRecord is one decoded row of a peer snapshot.
type PeerRecord struct {
	Addr         string            `json:"addr"`
	NodeID       uuid.UUID         `json:"node_id"`
	Name         string            `json:"name,omitempty"`
	Version      string            `json:"version,omitempty"`
	State        string            `json:"state"`
	LastActivity time.Time         `json:"last_activity"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SnapshotEncoder turns routing tables and peer directories into Arrow IPC
// streams of one record batch each.
type SnapshotEncoder struct {
	allocator memory.Allocator
	ipc       *IPCWriter
}

// NewSnapshotEncoder creates an encoder using the default allocator.
func NewSnapshotEncoder() *SnapshotEncoder {
	return &SnapshotEncoder{
		allocator: memory.DefaultAllocator,
		ipc:       NewIPCWriter(),
	}
}

// RoutesRecord builds a record matching RouteSchema. The caller must Release it.
func (e *SnapshotEncoder) RoutesRecord(routes []routing.Route) arrow.Record {
	builder := array.NewRecordBuilder(e.allocator, RouteSchema())
	defer builder.Release()

	destBuilder := builder.Field(0).(*array.StringBuilder)
	nextHopBuilder := builder.Field(1).(*array.StringBuilder)
	distanceBuilder := builder.Field(2).(*array.Uint32Builder)
	updatedBuilder := builder.Field(3).(*array.TimestampBuilder)

	for _, r := range routes {
		destBuilder.Append(r.Destination.String())
		nextHopBuilder.Append(r.NextHop.String())
		distanceBuilder.Append(r.Distance)
		updatedBuilder.Append(arrow.Timestamp(r.UpdatedAt.UnixMilli()))
	}

	return builder.NewRecord()
}

// PeersRecord builds a record matching PeerSchema. The caller must Release it.
func (e *SnapshotEncoder) PeersRecord(peers []peer.Peer) arrow.Record {
	builder := array.NewRecordBuilder(e.allocator, PeerSchema())
	defer builder.Release()

	addrBuilder := builder.Field(0).(*array.StringBuilder)
	nodeBuilder := builder.Field(1).(*array.StringBuilder)
	nameBuilder := builder.Field(2).(*array.StringBuilder)
	versionBuilder := builder.Field(3).(*array.StringBuilder)
	stateBuilder := builder.Field(4).(*array.StringBuilder)
	activityBuilder := builder.Field(5).(*array.TimestampBuilder)
	capsBuilder := builder.Field(6).(*array.ListBuilder)
	metaBuilder := builder.Field(7).(*array.MapBuilder)

	capValues := capsBuilder.ValueBuilder().(*array.StringBuilder)
	keyBuilder := metaBuilder.KeyBuilder().(*array.StringBuilder)
	valueBuilder := metaBuilder.ItemBuilder().(*array.StringBuilder)

	for _, p := range peers {
		addrBuilder.Append(p.Addr)
		appendOptional(nodeBuilder, p.NodeID != uuid.Nil, p.NodeID.String())
		appendOptional(nameBuilder, p.Name != "", p.Name)
		appendOptional(versionBuilder, p.Version != "", p.Version)
		stateBuilder.Append(p.State.String())
		activityBuilder.Append(arrow.Timestamp(p.LastActivity.UnixMilli()))

		if len(p.Capabilities) > 0 {
			capsBuilder.Append(true)
			for _, c := range p.Capabilities {
				capValues.Append(c)
			}
		} else {
			capsBuilder.AppendNull()
		}

		if len(p.Metadata) > 0 {
			metaBuilder.Append(true)
			for _, k := range slices.Sorted(maps.Keys(p.Metadata)) {
				keyBuilder.Append(k)
				valueBuilder.Append(p.Metadata[k])
			}
		} else {
			metaBuilder.AppendNull()
		}
	}

	return builder.NewRecord()
}

func appendOptional(b *array.StringBuilder, valid bool, v string) {
	if valid {
		b.Append(v)
	} else {
		b.AppendNull()
	}
}

// EncodeRoutes serializes routes to Arrow IPC bytes.
func (e *SnapshotEncoder) EncodeRoutes(routes []routing.Route) ([]byte, error) {
	record := e.RoutesRecord(routes)
	defer record.Release()
	return e.ipc.SerializeToIPC(record)
}

// EncodePeers serializes peers to Arrow IPC bytes.
func (e *SnapshotEncoder) EncodePeers(peers []peer.Peer) ([]byte, error) {
	record := e.PeersRecord(peers)
	defer record.Release()
	return e.ipc.SerializeToIPC(record)
}

// DecodeRoutes reads an IPC stream written by EncodeRoutes.
func (e *SnapshotEncoder) DecodeRoutes(data []byte) ([]routing.Route, error) {
	record, err := e.ipc.DeserializeFromIPC(data)
	if err != nil {
		return nil, err
	}
	defer record.Release()

	if err := ValidateSchema(record, RouteSchema()); err != nil {
		return nil, err
	}

	destCol := record.Column(0).(*array.String)
	nextHopCol := record.Column(1).(*array.String)
	distanceCol := record.Column(2).(*array.Uint32)
	updatedCol := record.Column(3).(*array.Timestamp)

	routes := make([]routing.Route, record.NumRows())
	for i := range routes {
		dest, err := uuid.Parse(destCol.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: bad destination: %w", i, err)
		}
		nextHop, err := uuid.Parse(nextHopCol.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: bad next hop: %w", i, err)
		}
		routes[i] = routing.Route{
			Destination: dest,
			NextHop:     nextHop,
			Distance:    distanceCol.Value(i),
			UpdatedAt:   time.UnixMilli(int64(updatedCol.Value(i))),
		}
	}
	return routes, nil
}

// DecodePeers reads an IPC stream written by EncodePeers.
func (e *SnapshotEncoder) DecodePeers(data []byte) ([]PeerRecord, error) {
	record, err := e.ipc.DeserializeFromIPC(data)
	if err != nil {
		return nil, err
	}
	defer record.Release()

	if err := ValidateSchema(record, PeerSchema()); err != nil {
		return nil, err
	}

	addrCol := record.Column(0).(*array.String)
	nodeCol := record.Column(1).(*array.String)
	nameCol := record.Column(2).(*array.String)
	versionCol := record.Column(3).(*array.String)
	stateCol := record.Column(4).(*array.String)
	activityCol := record.Column(5).(*array.Timestamp)
	capsCol := record.Column(6).(*array.List)
	metaCol := record.Column(7).(*array.Map)

	out := make([]PeerRecord, record.NumRows())
	for i := range out {
		out[i] = PeerRecord{
			Addr:         addrCol.Value(i),
			State:        stateCol.Value(i),
			LastActivity: time.UnixMilli(int64(activityCol.Value(i))),
		}
		if !nodeCol.IsNull(i) {
			id, err := uuid.Parse(nodeCol.Value(i))
			if err != nil {
				return nil, fmt.Errorf("row %d: bad node id: %w", i, err)
			}
			out[i].NodeID = id
		}
		if !nameCol.IsNull(i) {
			out[i].Name = nameCol.Value(i)
		}
		if !versionCol.IsNull(i) {
			out[i].Version = versionCol.Value(i)
		}
		if !capsCol.IsNull(i) {
			out[i].Capabilities = listValues(capsCol, i)
		}
		if !metaCol.IsNull(i) {
			out[i].Metadata = mapValues(metaCol, i)
		}
	}
	return out, nil
}

func listValues(col *array.List, idx int) []string {
	start, end := col.ValueOffsets(idx)
	values := col.ListValues().(*array.String)

	out := make([]string, 0, end-start)
	for j := start; j < end; j++ {
		out = append(out, values.Value(int(j)))
	}
	return out
}

func mapValues(col *array.Map, idx int) map[string]string {
	result := make(map[string]string)

	offsets := col.Offsets()
	start := offsets[idx]
	end := offsets[idx+1]

	keys := col.Keys().(*array.String)
	values := col.Items().(*array.String)

	for j := start; j < end; j++ {
		result[keys.Value(int(j))] = values.Value(int(j))
	}
	return result
}

// ValidateSchema checks that a record has the expected field names and types.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		got, want := actual.Field(i), expected.Field(i)
		if got.Name != want.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s", i, got.Name, want.Name)
		}
		if !arrow.TypeEqual(got.Type, want.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s", got.Name, got.Type, want.Type)
		}
	}
	return nil
}
