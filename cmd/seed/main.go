// seed inserts sample jobs into the local dev database and prints tokens to call the API with.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/infrastructure/postgres"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

const (
	seedRequester = "seed-requester"
	seedOperator  = "seed-operator"
)

type jobSpec struct {
	jobType string
	amount  string
	paid    bool
}

var jobs = []jobSpec{
	// Paid: picked up by moderation-submit on the next tick
	{"fortune", "10", true},
	{"fortune", "25.5", true},
	{"image_boxes", "100", true},
	{"image_points", "42", true},

	// Pending: waiting for POST /jobs/:id/payment
	{"fortune", "5", false},
	{"image_boxes", "7.25", false},
}

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	storageURL := strings.TrimRight(os.Getenv("STORAGE_URL"), "/")
	if storageURL == "" {
		storageURL = "http://localhost:9000/manifests"
	}

	pool, err := postgres.NewPool(ctx, dbURL, postgres.PoolConfig{AppName: "orchestrator-seed", MaxConns: 2})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewJobRepository(pool)

	var created []*domain.Job
	for i, spec := range jobs {
		hash := fmt.Sprintf("%064x", i+1)
		job, err := repo.Create(ctx, &domain.Job{
			RequesterID:  seedRequester,
			JobType:      spec.jobType,
			Status:       domain.StatusPending,
			ManifestURL:  storageURL + "/" + hash + ".json",
			ManifestHash: hash,
			Token:        "HMT",
			FundAmount:   spec.amount,
		})
		if err != nil {
			log.Fatalf("insert job %d: %v", i, err)
		}
		if spec.paid {
			job, err = repo.Transition(ctx, repository.TransitionInput{
				JobID: job.ID,
				From:  domain.StatusPending,
				To:    domain.StatusPaid,
			})
			if err != nil {
				log.Fatalf("mark job %d paid: %v", i, err)
			}
		}
		created = append(created, job)
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Requester:    %s\n", seedRequester)
	fmt.Printf("  Jobs created: %d\n", len(created))
	fmt.Println()
	for _, j := range created {
		fmt.Printf("    %s  %-12s  %s\n", j.ID, j.JobType, j.Status)
	}
	fmt.Println()
	fmt.Println("  Manifests are expected under STORAGE_URL; jobs whose manifest is missing")
	fmt.Println("  retry with backoff in moderation-submit and then fail.")

	if len(jwtSecret) < 32 {
		fmt.Println()
		fmt.Println("  JWT_SECRET not set, skipping tokens.")
		return
	}

	requesterToken, err := sign(jwtSecret, seedRequester, "")
	if err != nil {
		log.Fatalf("sign requester token: %v", err)
	}
	operatorToken, err := sign(jwtSecret, seedOperator, "operator")
	if err != nil {
		log.Fatalf("sign operator token: %v", err)
	}

	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Printf("    export JWT=%s\n", requesterToken)
	fmt.Printf("    export OPS_JWT=%s\n", operatorToken)
	fmt.Println()
	fmt.Println("    curl -s http://localhost:8080/jobs -H \"Authorization: Bearer $JWT\"")
	fmt.Println("    curl -s -X POST http://localhost:8080/jobs/JOB_ID/payment -H \"Authorization: Bearer $JWT\"")
	fmt.Println("    curl -s -X POST http://localhost:8080/jobs/JOB_ID/cancel -H \"Authorization: Bearer $JWT\"")
	fmt.Println("    curl -s http://localhost:8080/webhooks/outgoing -H \"Authorization: Bearer $OPS_JWT\"")
}

func sign(secret, subject, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
