package database

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"lockgate/internal/config"
)

func Connect(c *config.Config) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(c.DatabaseURL), &gorm.Config{})
}
