// Package routing implements router discovery and replica selection.
//
// Router Registration
//
// Routers register themselves in the metadata store using ephemeral keys that
// are deleted when the router's session expires. Services list the prefix to
// find routers and watch it to follow membership changes:
//
//	/bldr/v1/cluster/<clusterId>/routers/<routerId>
//
// The value is a JSON object:
//
//	{
//	  "routerId": "5d0c...",
//	  "addr": "router-1.internal:7400",
//	  "zoneId": "us-east-1a",
//	  "startedAt": 1703721600000,
//	  "buildInfo": {"version": "0.1.0", "gitCommit": "abc123", "buildTime": "..."}
//	}
//
// Replica Selection
//
// A router forwards a keyed request to the replica chosen by rendezvous
// hashing of the route key over the live replica set, so equal keys land on
// the same replica while the set is unchanged and only keys owned by a
// departing replica move. Unkeyed requests are spread by a Balancer policy:
// round_robin (default) or least_recently_used.
//
// Callers use the same hash over their instance id to pick a home router and
// fall back through the rest in rank order.
package routing
