// Package seed bootstraps the records a fresh deployment needs before it
// can serve traffic.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	orgdomain "github.com/meterline/meterline/internal/organization/domain"
	"github.com/meterline/meterline/internal/organization/repository"
	"gorm.io/gorm"
)

const (
	defaultOrgName = "Main"
	defaultOrgSlug = "main"
)

// EnsureMainOrg seeds the default organization for startup bootstrap.
func EnsureMainOrg(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := ensureMainOrgTx(ctx, tx, node)
		return err
	})
}

func ensureMainOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (*orgdomain.Organization, error) {
	repo := repository.Provide()

	org, err := repo.FindBySlug(ctx, tx, defaultOrgSlug)
	if err != nil {
		return nil, err
	}
	if org != nil {
		return org, nil
	}

	org = &orgdomain.Organization{
		ID:   node.Generate(),
		Name: defaultOrgName,
		Slug: defaultOrgSlug,
	}
	if err := repo.Insert(ctx, tx, org); err != nil {
		return nil, err
	}
	return org, nil
}
