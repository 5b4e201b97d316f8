package handler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/bandroom-chat/internal/config"
	"github.com/noah-isme/bandroom-chat/internal/utils"
)

const dependencyTimeout = 2 * time.Second

// DependencyCheck pings one backing service of the chat core.
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Service      string            `json:"service"`
	Environment  string            `json:"environment"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// HealthCheck runs every dependency check concurrently. Any failure turns the
// response into a 503 so load balancers stop routing chat streams here.
func HealthCheck(cfg config.Config, checks ...DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}
		if len(checks) == 0 {
			return utils.SendSuccess(c, "service healthy", payload)
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), dependencyTimeout)
		defer cancel()

		payload.Dependencies = runChecks(ctx, checks)
		for _, state := range payload.Dependencies {
			if state != "ok" {
				payload.Status = "degraded"
			}
		}

		if payload.Status != "ok" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(utils.APIResponse{
				Success: false,
				Data:    payload,
				Message: "service degraded",
				Code:    "dependency_unavailable",
			})
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}

func runChecks(ctx context.Context, checks []DependencyCheck) map[string]string {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		states = make(map[string]string, len(checks))
	)
	for _, check := range checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			state := "ok"
			if err := check.Check(ctx); err != nil {
				state = err.Error()
			}
			mu.Lock()
			states[check.Name] = state
			mu.Unlock()
		}(check)
	}
	wg.Wait()
	return states
}
