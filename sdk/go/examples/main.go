// Command example issues and executes a loan offer against a local
// CreditRail instance.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"creditrail/sdk/go/creditrail"
)

func main() {
	baseURL := os.Getenv("CREDITRAIL_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	token := os.Getenv("CREDITRAIL_TOKEN")
	if token == "" {
		token = "dev-token"
	}

	client, err := creditrail.NewClient(baseURL, token, nil)
	if err != nil {
		log.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	offer, err := client.IssueOffer(ctx, creditrail.IssueOfferRequest{
		Borrower:        "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Principal:       "5000000000000000",
		RateBps:         500,
		DurationSeconds: 3600,
		Action:          1,
	})
	if err != nil {
		log.Fatalf("issue offer: %v", err)
	}
	fmt.Printf("issued offer %s (nonce %d), expires at %d\n", offer.ID, offer.Nonce, offer.ExpiresAt)

	// The borrower agent countersigns the offer digest out of band; the
	// resulting signature is passed through here.
	result, err := client.ExecuteOffer(ctx, creditrail.ExecuteOfferRequest{
		Borrower:  offer.Borrower,
		Nonce:     offer.Nonce,
		Signature: os.Getenv("CREDITRAIL_BORROWER_SIG"),
	})
	if err != nil {
		log.Fatalf("execute offer: %v", err)
	}
	fmt.Printf("executed: tx %s, loan %d\n", result.TxHash, result.LoanID)

	events, err := client.ListActivity(ctx, creditrail.ActivityFilter{LoanID: result.LoanID})
	if err != nil {
		log.Fatalf("list activity: %v", err)
	}
	for _, event := range events {
		fmt.Printf("%s %s loan=%d\n", event.CreatedAt.Format(time.RFC3339), event.Category, event.LoanID)
	}
}
