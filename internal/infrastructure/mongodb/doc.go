// Package mongodb manages the MongoDB connection used by the document
// record store backend.
//
//	client, err := mongodb.Connect(ctx, cfg.MongoDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	records := mongostore.New(client, registry)
//
// Connect fails fast: it pings the primary before returning, so a
// misconfigured URI is reported at startup rather than on the first write.
package mongodb
