package migration

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// CLI 为 `llmgateway migrate` 子命令格式化输出
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI 创建 CLI，输出写到 out
func NewCLI(migrator Migrator, out io.Writer) *CLI {
	return &CLI{migrator: migrator, out: out}
}

func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.out, "Applying llm_requests migrations...")
	if err := c.migrator.Up(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "Up to date")
}

// RunDown 回滚一步；all 为 true 时全部回滚
func (c *CLI) RunDown(ctx context.Context, all bool) error {
	if all {
		fmt.Fprintln(c.out, "Rolling back all migrations...")
		if err := c.migrator.DownAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "All migrations rolled back.")
		return nil
	}

	fmt.Fprintln(c.out, "Rolling back last migration...")
	if err := c.migrator.Down(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "Rollback complete")
}

func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n == 0 {
		return fmt.Errorf("steps must not be zero")
	}
	if err := c.migrator.Steps(ctx, n); err != nil {
		return err
	}
	return c.printVersion(ctx, fmt.Sprintf("Moved %+d step(s)", n))
}

func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	fmt.Fprintf(c.out, "Migrating to version %d...\n", version)
	if err := c.migrator.Goto(ctx, version); err != nil {
		return err
	}
	return c.printVersion(ctx, "Migration complete")
}

func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Version forced to %d\n", version)
	return nil
}

// RunReset 回滚全部后重新应用
func (c *CLI) RunReset(ctx context.Context) error {
	if err := c.RunDown(ctx, true); err != nil {
		return err
	}
	return c.RunUp(ctx)
}

func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.out, "No migrations applied yet.")
		return nil
	}
	if dirty {
		fmt.Fprintf(c.out, "Current version: %d (dirty)\n", version)
		return nil
	}
	fmt.Fprintf(c.out, "Current version: %d\n", version)
	return nil
}

// RunStatus 打印每个迁移的状态表与汇总
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	applied := 0
	for _, s := range statuses {
		status := "pending"
		switch {
		case s.Dirty:
			status = "dirty"
		case s.Applied:
			status = "applied"
		}
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "\nTotal: %d, Applied: %d, Pending: %d\n",
		len(statuses), applied, len(statuses)-applied)
	return nil
}

func (c *CLI) printVersion(ctx context.Context, prefix string) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s. Current version: %d, pending: %d\n", prefix, info.CurrentVersion, info.PendingMigrations)
	return nil
}
