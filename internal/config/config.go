// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
    Cache struct {
        Dir  string `json:"dir"`
        Size int    `json:"size"`
    } `json:"cache"`

    Staging struct {
        Dir    string `json:"dir"`
        Window uint64 `json:"window"`
    } `json:"staging"`

    Install struct {
        Root string `json:"root"`
    } `json:"install"`

    Environment string `json:"environment"` // dev, prod
    LogLevel    string `json:"log_level"`  // debug, info, warn, error
}

func getConfigPath() string {
    env := os.Getenv("DEPOT_ENV")
    if env == "" {
        env = "development"
    }
    return fmt.Sprintf("config/config.%s.json", env)
}


func Load(path string) (*Config, error) {
    file, err := os.Open(path)
    if err != nil {
        return nil, err
    }
    defer file.Close()

    var config Config
    if err := json.NewDecoder(file).Decode(&config); err != nil {
        return nil, err
    }

    return &config, nil
}
