// Package client is the Go SDK for the audit ledger HTTP API.
//
// # Recording events
//
// Writers authenticate with the OAuth2 client-credentials grant
// (golang.org/x/oauth2/clientcredentials); the token is fetched on first use
// and refreshed a minute before it expires:
//
//	c, err := client.New("https://ledger.internal",
//	    client.WithClientCredentials("ingest", secret, "ledger:write"),
//	)
//	ev, err := c.RecordEvent(ctx, client.EventRequest{
//	    EventType:  "trade.booked",
//	    EntityType: "trade",
//	    Payload:    map[string]any{"qty": 100},
//	})
//
// # Checking inclusion
//
// Read endpoints need no token. VerifyProof recomputes the Merkle root
// locally, so a proof is only as trustworthy as the root it is checked
// against; compare it with a signed snapshot:
//
//	snap, _ := c.LatestSnapshot(ctx)
//	proof, _ := c.GetProof(ctx, ev.ID)
//	ok, err := client.VerifyProof(proof)
//	ok = ok && proof.MerkleRoot == snap.MerkleRoot
//
// # Offline signature checks
//
// PublicKey fetches the ledger key from /.well-known/jwks.json.
// VerifySnapshotSignature then checks a snapshot without calling the server:
//
//	pub, _ := c.PublicKey(ctx)
//	ok := client.VerifySnapshotSignature(pub, snap)
package client
