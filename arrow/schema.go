package arrow

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// RouteSchema returns the Arrow schema for one routing table entry.
//
// Fields:
//   - destination: string - Destination node id
//   - next_hop: string - Neighbor the route goes through
//   - distance: uint32 - Hop count to the destination
//   - updated_at: timestamp[ms] - Last time the route was installed or refreshed
func RouteSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "destination", Type: arrow.BinaryTypes.String},
			{Name: "next_hop", Type: arrow.BinaryTypes.String},
			{Name: "distance", Type: arrow.PrimitiveTypes.Uint32},
			{Name: "updated_at", Type: arrow.FixedWidthTypes.Timestamp_ms},
		},
		nil,
	)
}

// PeerSchema returns the Arrow schema for one directory entry.
//
// Fields:
//   - addr: string - Transport address
//   - node_id: string (nullable) - Node id, null until authenticated
//   - name: string (nullable) - Advertised node name
//   - version: string (nullable) - Advertised protocol version
//   - state: string - Lifecycle state
//   - last_activity: timestamp[ms] - Last datagram received
//   - capabilities: list<string> (nullable) - Advertised capabilities
//   - metadata: map<string, string> (nullable) - Advertised metadata
func PeerSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "addr", Type: arrow.BinaryTypes.String},
			{Name: "node_id", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "version", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "state", Type: arrow.BinaryTypes.String},
			{Name: "last_activity", Type: arrow.FixedWidthTypes.Timestamp_ms},
			{Name: "capabilities", Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: true},
			{
				Name: "metadata",
				Type: arrow.MapOf(
					arrow.BinaryTypes.String,
					arrow.BinaryTypes.String,
				),
				Nullable: true,
			},
		},
		nil,
	)
}
