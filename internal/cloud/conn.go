// File: internal/cloud/conn.go
// Brief: Connection cache keyed by credentials profile, region and role.

package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/example/stackctl/internal/version"
)

// Target selects the credentials and region for one connection. Stacks
// with the same target share a connection.
type Target struct {
	Region  string
	Profile string
	RoleARN string
}

func (t Target) key() string {
	return t.Profile + "|" + t.Region + "|" + t.RoleARN
}

func (t Target) String() string {
	parts := []byte(nil)
	if t.Profile != "" {
		parts = append(parts, ("profile=" + t.Profile + " ")...)
	}
	if t.Region != "" {
		parts = append(parts, ("region=" + t.Region + " ")...)
	}
	if t.RoleARN != "" {
		parts = append(parts, ("role=" + t.RoleARN + " ")...)
	}
	if len(parts) == 0 {
		return "default"
	}
	return string(parts[:len(parts)-1])
}

// Connections caches one Conn per target for the lifetime of a run so
// credential resolution and role assumption happen once per target.
type Connections struct {
	mu    sync.Mutex
	cache map[string]*Conn
}

func NewConnections() *Connections {
	return &Connections{cache: map[string]*Conn{}}
}

func (c *Connections) Get(ctx context.Context, target Target) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.cache[target.key()]; ok {
		return conn, nil
	}
	cfg, err := loadAWSConfig(ctx, target)
	if err != nil {
		return nil, err
	}
	conn := NewConn(cfg)
	c.cache[target.key()] = conn
	return conn, nil
}

func loadAWSConfig(ctx context.Context, target Target) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithAppID(version.UserAgent()),
	}
	if target.Region != "" {
		opts = append(opts, config.WithRegion(target.Region))
	}
	if target.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(target.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config (%s): %w", target, err)
	}
	if target.RoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), target.RoleARN)
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return cfg, nil
}
