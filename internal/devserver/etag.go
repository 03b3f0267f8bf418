package devserver

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// bundleETag tags successful bundle responses with a content hash and answers
// If-None-Match with 304, so a browser revalidating a no-cache bundle only
// downloads it again after a rebuild changed it.
func bundleETag() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodGet && c.Method() != fiber.MethodHead {
			return c.Next()
		}
		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
		body := c.Response().Body()
		if status != fiber.StatusOK || len(body) == 0 {
			return nil
		}

		etag := contentETag(body)
		c.Set(fiber.HeaderETag, etag)

		if etagMatches(etag, c.Get(fiber.HeaderIfNoneMatch)) {
			c.Status(fiber.StatusNotModified)
			c.Response().ResetBody()
		}
		return nil
	}
}

// contentETag returns a strong ETag of body
func contentETag(body []byte) string {
	hash := sha256.Sum256(body)
	return `"` + hex.EncodeToString(hash[:16]) + `"`
}

// etagMatches reports whether etag is listed in an If-None-Match header.
// Weak validators compare equal to their strong form.
func etagMatches(etag, ifNoneMatch string) bool {
	ifNoneMatch = strings.TrimSpace(ifNoneMatch)
	if ifNoneMatch == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}

	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
