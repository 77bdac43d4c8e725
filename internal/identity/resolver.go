package identity

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/soloventures/advai/internal/config"
	"go.uber.org/fx"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNoTeam          = errors.New("no team resolved")
)

// Resolver maps an inbound request to the calling team. Session management
// lives in an external identity provider; this boundary only consumes its
// result.
type Resolver interface {
	ResolveTeam(c *gin.Context) (snowflake.ID, error)
}

type Params struct {
	fx.In

	Config config.Config
}

// tokenResolver authenticates with the configured static API token and reads
// the team from the X-Team-ID header set by the identity proxy.
type tokenResolver struct {
	apiToken string
}

func New(p Params) Resolver {
	return &tokenResolver{apiToken: p.Config.APIToken}
}

func (r *tokenResolver) ResolveTeam(c *gin.Context) (snowflake.ID, error) {
	if r.apiToken != "" {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) != r.apiToken {
			return 0, ErrUnauthenticated
		}
	}

	raw := strings.TrimSpace(c.GetHeader("X-Team-ID"))
	if raw == "" {
		return 0, ErrNoTeam
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, ErrNoTeam
	}
	return id, nil
}

var Module = fx.Module("identity",
	fx.Provide(New),
)
