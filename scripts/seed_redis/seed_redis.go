package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Seeds the operator API keys the ack endpoint authenticates against.
// Key pattern: operator:auth:{api_key} → operator_id, no expiry.
//
// The roster comes from SEED_OPERATORS ("key=operator,key=operator");
// the default covers the local docker-compose setup.
const defaultRoster = "garage_north_key=garage_north,garage_south_key=garage_south,dispatch_key=dispatch_desk"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file — using system environment variables")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisGetEnv("REDIS_ADDR", "localhost:6379"),
		Password: redisGetEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	roster := parseRoster(redisGetEnv("SEED_OPERATORS", defaultRoster))

	step1_seed(ctx, client, roster)
	step2_verify(ctx, client, roster)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Run next: go run cmd/smartobd/main.go")
}

func parseRoster(s string) map[string]string {
	roster := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, operator, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || operator == "" {
			log.Fatalf("Bad SEED_OPERATORS entry %q, want key=operator", pair)
		}
		roster["operator:auth:"+key] = operator
	}
	return roster
}

func step1_seed(ctx context.Context, client *redis.Client, roster map[string]string) {
	fmt.Println("\n── Step 1: Seeding operator API keys ───────────")

	pipe := client.Pipeline()
	for key, operatorID := range roster {
		pipe.Set(ctx, key, operatorID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Fatalf("Seed failed: %v", err)
	}
	for key, operatorID := range roster {
		fmt.Printf("  ✓ %-40s → %s\n", key, operatorID)
	}
}

func step2_verify(ctx context.Context, client *redis.Client, roster map[string]string) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	// Read every key back the way the authenticator does.
	for key, want := range roster {
		got, err := client.Get(ctx, key).Result()
		if err != nil {
			log.Fatalf("Verification failed for %s: %v", key, err)
		}
		if got != want {
			log.Fatalf("Key %s holds %q, want %q", key, got, want)
		}
	}
	fmt.Printf("  ✓ %d operator keys readable\n", len(roster))
}

func redisGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
