package app

import (
	"fmt"
	"os/exec"

	"github.com/antoniostano/copd/internal/config"
	"github.com/antoniostano/copd/internal/rubocop"
)

type ExecutorInfo struct {
	Mode   string
	Detail string
}

func resolveExecutor(cfg config.Config) (rubocop.Executor, ExecutorInfo, error) {
	switch cfg.Executor {
	case config.ExecutorMock:
		return rubocop.NewMockExecutor(), ExecutorInfo{Mode: config.ExecutorMock, Detail: "canned reports"}, nil
	case config.ExecutorProcess, "":
		detail := "rubocop resolved per run"
		// A missing binary is not fatal: bundler or execute_path may still
		// provide one, and runs report not_found otherwise.
		if _, err := exec.LookPath(config.NewResolver(cfg.Workspace).Executable()); err != nil {
			detail = "rubocop not on PATH; relying on bundler or execute_path"
		}
		return rubocop.NewProcessExecutor(), ExecutorInfo{Mode: config.ExecutorProcess, Detail: detail}, nil
	default:
		return nil, ExecutorInfo{}, fmt.Errorf("invalid executor %q (expected process|mock)", cfg.Executor)
	}
}
