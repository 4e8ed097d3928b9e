// Package oxia stores bldr metadata in an Oxia namespace.
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "bldr",
//	})
//
// Keys written with metadata.Ephemeral belong to the client session and
// vanish once it stops renewing; routers register themselves this way.
// Watches receive every change in the namespace and drop those outside
// their prefix.
package oxia
