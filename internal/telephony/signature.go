package telephony

import (
	"net/http"
	"strings"

	"consultline/pkg/logger"

	"github.com/gin-gonic/gin"
	twilioclient "github.com/twilio/twilio-go/client"
)

const SignatureHeader = "X-Twilio-Signature"

// RequireTwilioSignature rejects webhook requests whose X-Twilio-Signature
// does not match the public callback URL and posted form. When skip is set
// (local development) every request passes.
func RequireTwilioSignature(authToken, publicBaseURL string, skip bool) gin.HandlerFunc {
	validator := twilioclient.NewRequestValidator(authToken)
	base := strings.TrimRight(publicBaseURL, "/")

	return func(c *gin.Context) {
		if skip {
			c.Next()
			return
		}
		log := logger.FromGin(c)

		sig := c.GetHeader(SignatureHeader)
		if sig == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing signature"})
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}

		params := make(map[string]string, len(c.Request.PostForm))
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}

		url := base + c.Request.URL.RequestURI()
		if !validator.Validate(url, params, sig) {
			log.Warn("twilio signature mismatch", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
