package database

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the persisted form of user.User
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID            uuid.UUID  `bun:"id,pk,type:uuid"`
	Email         string     `bun:"email,notnull,unique"`
	FirstName     *string    `bun:"first_name"`
	LastName      *string    `bun:"last_name"`
	EmailVerified bool       `bun:"email_verified,notnull,default:false"`
	Registered    bool       `bun:"registered,notnull,default:false"`
	Status        bool       `bun:"status,notnull,default:true"`
	IsDeleted     bool       `bun:"is_deleted,notnull,default:false"`
	CreatedBy     *uuid.UUID `bun:"created_by,type:uuid"`
	UpdatedBy     *uuid.UUID `bun:"updated_by,type:uuid"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
}
