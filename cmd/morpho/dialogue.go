package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDialogueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dialogue",
		Short: "查看或清空用户的对话记录",
	}
	cmd.AddCommand(newDialogueShowCmd(), newDialogueResetCmd(), newDialogueListCmd())
	return cmd
}

func newDialogueShowCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "打印用户当前保存的对话",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDialogues(cmd.Context(), func(ctx context.Context, a *app) error {
				svc, err := a.dialogues(ctx)
				if err != nil {
					return err
				}
				transcript, ok, err := svc.LoadDialogue(ctx, userID)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "用户 %d 没有对话记录\n", userID)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), transcript)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "Telegram 用户 ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newDialogueResetCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "清空用户的对话，与 /reset 命令相同",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDialogues(cmd.Context(), func(ctx context.Context, a *app) error {
				svc, err := a.dialogues(ctx)
				if err != nil {
					return err
				}
				if err := svc.ResetDialogue(ctx, userID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "已清空用户 %d 的对话\n", userID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "Telegram 用户 ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newDialogueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出所有保存了对话的用户",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDialogues(cmd.Context(), func(ctx context.Context, a *app) error {
				svc, err := a.dialogues(ctx)
				if err != nil {
					return err
				}
				views, err := svc.ListDialogues(ctx)
				if err != nil {
					return err
				}
				for _, v := range views {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%d chars\n", v.UserID, v.UpdatedAt, len([]rune(v.Transcript)))
				}
				return nil
			})
		},
	}
}

// withDialogues 为一次性命令准备 app，并限制总耗时。
func withDialogues(parent context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	return fn(ctx, a)
}
