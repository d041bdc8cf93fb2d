package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/authzd/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260101000000, down_20260101000000)
}

// up_20260101000000 creates the user/resource/permission tables backing
// the relational PermissionsRepository.
func up_20260101000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating authorization schema...")

	if _, err := db.NewCreateTable().Model((*models.User)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create user table: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*models.Resource)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create resource table: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*models.Permission)(nil)).
		IfNotExists().
		ForeignKey(`(user_id) REFERENCES "user" (id) ON DELETE CASCADE`).
		ForeignKey(`(resource_type, resource_name) REFERENCES resource (resource_type, resource_name) ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return fmt.Errorf("create permission table: %w", err)
	}
	if _, err := db.NewCreateIndex().Model((*models.Permission)(nil)).
		IfNotExists().
		Index("idx_permission_resource").
		Column("resource_type", "resource_name").
		Exec(ctx); err != nil {
		return fmt.Errorf("create permission resource index: %w", err)
	}

	fmt.Println(" OK")
	return nil
}

func down_20260101000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping authorization schema...")

	if _, err := db.NewDropTable().Model((*models.Permission)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("drop permission table: %w", err)
	}
	if _, err := db.NewDropTable().Model((*models.Resource)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("drop resource table: %w", err)
	}
	if _, err := db.NewDropTable().Model((*models.User)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("drop user table: %w", err)
	}

	fmt.Println(" OK")
	return nil
}
