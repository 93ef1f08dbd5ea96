// Package client is the PrivacyChain Go SDK.
//
// It wraps the /v1 tracking API: indexing anonymized personal data on a
// ledger, and the compliance operations (unindex, remove, rectify, verify)
// that make the immutable ledger behave as if it were mutable.
//
// # Connecting
//
// Servers with authentication enabled issue tokens through the OAuth2 client
// credentials grant. The client fetches and refreshes them automatically:
//
//	c, err := client.New("https://privacychain.example.com",
//	    client.WithClientCredentials("billing", os.Getenv("PCHAIN_CLIENT_SECRET")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Indexing and verifying
//
//	rec, err := c.IndexSecure(ctx, client.IndexRequest{
//	    Content: `{"name":"Ada","cpf":"12345678900"}`,
//	    Locator: "customer-42",
//	})
//	// Keep rec.Salt: it is needed to prove the registration later.
//	res, err := c.Verify(ctx, client.VerifyRequest{
//	    TransactionRef: rec.TransactionRef,
//	    Content:        `{"name":"Ada","cpf":"12345678900"}`,
//	    Salt:           rec.Salt,
//	})
//
// # Errors
//
// Non-2xx responses are returned as *APIError and match the package
// sentinels with errors.Is:
//
//	_, err := c.Unindex(ctx, "customer-42", "")
//	if errors.Is(err, client.ErrNothingToUnindex) {
//	    // already forgotten
//	}
package client
