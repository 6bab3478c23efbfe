package middleware

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"

	"pimssync/pkg/auth"
)

const serviceLocal = "service"

// ServiceAuth verifies service tokens from the Authorization header
func ServiceAuth(tokens *auth.ServiceTokenAuth) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if tokens == nil {
			// Never allow auth bypass in production
			environment := os.Getenv("ENVIRONMENT")
			if environment == "production" {
				log.Fatal("❌ CRITICAL SECURITY ERROR: service auth not configured in production environment")
			}
			if environment != "development" && environment != "testing" && environment != "" {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "Authentication service unavailable",
				})
			}

			c.Locals(serviceLocal, &auth.Service{
				Name:   "dev-service",
				Scopes: []string{auth.ScopeSyncTrigger, auth.ScopeSyncRead},
			})
			return c.Next()
		}

		token, err := auth.ExtractToken(c.Get("Authorization"))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization token",
			})
		}

		svc, err := tokens.VerifyToken(token)
		if err != nil {
			log.Printf("❌ [AUTH] Service token rejected: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals(serviceLocal, svc)
		return c.Next()
	}
}

// CurrentService returns the caller set by ServiceAuth
func CurrentService(c *fiber.Ctx) *auth.Service {
	svc, _ := c.Locals(serviceLocal).(*auth.Service)
	return svc
}

// RequireScope rejects callers without scope or, on clinic routes, without access
// to the clinic
func RequireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		svc := CurrentService(c)
		if svc == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}
		if !svc.HasScope(scope) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Token lacks scope " + scope,
			})
		}
		if clinicID := c.Params("clinicId"); clinicID != "" && !svc.CanAccessClinic(clinicID) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Token does not cover this clinic",
			})
		}
		return c.Next()
	}
}
