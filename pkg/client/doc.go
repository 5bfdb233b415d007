// Package client is the citeledger Go SDK.
//
// It wraps the registrar HTTP API: registering bibliographic records,
// flipping retraction state, editing by retract-and-reregister, validating
// local content against committed roots, and reading document status.
//
// # Connecting
//
//	c, err := client.New("https://registrar.example.com",
//	    client.WithKeyFile(os.ExpandEnv("$HOME/.citeledger/key.pem")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Reads need no credentials:
//
//	c, _ := client.New("https://registrar.example.com")
//	st, err := c.Status(ctx, "doi:10.1234/widgets.5")
//
// # Registering a record
//
//	res, err := c.Register(ctx, client.RegisterRequest{
//	    Record: client.Record{
//	        DOI:     "10.1234/widgets.5",
//	        Title:   "On Widgets",
//	        Authors: []string{"A. One", "B. Two"},
//	        Date:    "2024-01-05",
//	    },
//	    FullText: string(text),
//	})
//
// res.Fingerprint carries the four committed roots; res.DryRun reports
// whether the deployment submitted to its ledger or only computed.
//
// # Naming documents
//
// Mutating and status calls accept document references in the pkg/docref
// syntax: a bare id ("42"), a DOI ("doi:10.1234/widgets.5"), or a full
// triple ("triple:On Widgets|A. One;B. Two|2024-01-05").
//
//	_, err = c.SetRetraction(ctx, "42", true)
//
// # Credentials
//
// Mutations attach a signed assertion. WithSigningKey or WithKeyFile
// configures ed25519 signing; WithToken sends a pre-issued JWT instead.
// The server derives the principal from the assertion and checks it
// against the ledger's capability grants, so the key's principal string
// (see Principal) is what deployments grant to.
package client
