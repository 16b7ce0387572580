package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stakeline/internal/amount"
	"stakeline/internal/config"
	"stakeline/internal/domain"
	"stakeline/internal/engine"
	"stakeline/internal/repo"
)

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage your profile",
		Long:  "Users must register before creating or joining tasks. Reputation starts at 0 and follows you across tasks.",
	}

	var name string
	var age int64
	register := &cobra.Command{
		Use:   "register",
		Short: "Register the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Register(ctx, actorID(), name, age)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	register.Flags().StringVar(&name, "name", "", "display name")
	register.Flags().Int64Var(&age, "age", 0, "age")
	_ = register.MarkFlagRequired("name")
	_ = register.MarkFlagRequired("age")
	user.AddCommand(register)

	user.AddCommand(&cobra.Command{
		Use:   "unregister",
		Short: "Delete the current actor's profile (no open tasks allowed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Unregister(ctx, actorID()); err != nil {
					return err
				}
				fmt.Println("unregistered", actorID())
				return nil
			})
		},
	})

	user.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show a profile (defaults to the current actor)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := actorID()
			if len(args) == 1 {
				id = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Profile(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	})

	user.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users by reputation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Reputation", "Created", "Completed", "Failed"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Reputation, u.TasksCreated, u.TasksCompleted, u.TasksFailed})
				}
				tw.Render()
				return nil
			})
		},
	})
	return user
}

func stakeCmd() *cobra.Command {
	stake := &cobra.Command{Use: "stake", Short: "Stake quotes"}
	var deadline, revisions int64
	var reward, creator string
	quote := &cobra.Command{
		Use:   "quote",
		Short: "Quote the funding a new task needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := parseAmount(ctx, e, "reward", reward)
				if err != nil {
					return err
				}
				who := creator
				if who == "" {
					who = actorID()
				}
				q, err := e.QuoteCreatorStake(ctx, deadline, revisions, r, who)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(q)
				}
				perWhole := unitsPerWhole(ctx, e)
				fmt.Printf("Stake: %s", amount.Format(q.Stake, perWhole))
				if q.Tier != "" {
					fmt.Printf(" (%s)", q.Tier)
				}
				fmt.Printf("\nFee:   %s\nTotal: %s (%d base units)\n", amount.Format(q.Fee, perWhole), amount.Format(q.Total, perWhole), q.Total)
				return nil
			})
		},
	}
	quote.Flags().Int64Var(&deadline, "deadline-hours", 24, "deadline in hours")
	quote.Flags().Int64Var(&revisions, "max-revisions", 0, "maximum revisions")
	quote.Flags().StringVar(&reward, "reward", "", "reward in whole units")
	quote.Flags().StringVar(&creator, "creator", "", "quote for this creator's reputation")
	_ = quote.MarkFlagRequired("reward")
	stake.AddCommand(quote)
	return stake
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow active -> open_registration -> in_progress -> completed, with cancel_requested and cancelled on the side. Funds stay locked until the task ends.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskActionCmd("open <id>", "Open registration", func(e engine.Engine) taskAction { return e.OpenRegistration }))
	task.AddCommand(taskActionCmd("close <id>", "Close registration", func(e engine.Engine) taskAction { return e.CloseRegistration }))
	task.AddCommand(taskActionCmd("approve <id>", "Approve the pending submission", func(e engine.Engine) taskAction { return e.ApproveTask }))
	task.AddCommand(taskRevisionCmd())
	task.AddCommand(taskResubmitCmd())
	task.AddCommand(taskDeadlineCmd())
	return task
}

type taskAction func(ctx context.Context, taskID int64, actorID string) (domain.Task, error)

func taskActionCmd(use, short string, pick func(engine.Engine) taskAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := pick(e)(ctx, id, actorID())
				if err != nil {
					return err
				}
				return printTask(ctx, e, t)
			})
		},
	}
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var reward, value string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a funded task",
		Long:  "Creates a task and pays reward + stake + fee. Without --value the quoted total is conveyed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var err error
				if opts.Reward, err = parseAmount(ctx, e, "reward", reward); err != nil {
					return err
				}
				if value == "" {
					q, err := e.QuoteCreatorStake(ctx, opts.DeadlineHours, opts.MaxRevisions, opts.Reward, opts.ActorID)
					if err != nil {
						return err
					}
					opts.Value = q.Total
				} else if opts.Value, err = parseAmount(ctx, e, "value", value); err != nil {
					return err
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(ctx, e, t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.URL, "url", "", "brief url")
	cmd.Flags().Int64Var(&opts.DeadlineHours, "deadline-hours", 24, "deadline in hours")
	cmd.Flags().Int64Var(&opts.MaxRevisions, "max-revisions", 0, "maximum revisions")
	cmd.Flags().StringVar(&reward, "reward", "", "reward in whole units")
	cmd.Flags().StringVar(&value, "value", "", "amount conveyed in whole units (default: quoted total)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				perWhole := unitsPerWhole(ctx, e)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Creator", "Member", "Reward", "Stake"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.CreatorID, t.MemberID(), amount.Format(t.Reward, perWhole), amount.Format(t.CreatorStake, perWhole)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator filter")
	cmd.Flags().StringVar(&f.MemberID, "member", "", "member filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Task(ctx, id)
				if err != nil {
					return err
				}
				return printTask(ctx, e, t)
			})
		},
	}
}

func taskRevisionCmd() *cobra.Command {
	var note string
	var hours int64
	cmd := &cobra.Command{
		Use:   "revision <id>",
		Short: "Send the submission back for changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RequestRevision(ctx, id, actorID(), note, hours)
				if err != nil {
					return err
				}
				return printTask(ctx, e, t)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "what needs to change")
	cmd.Flags().Int64Var(&hours, "extra-hours", 24, "hours granted for the revision")
	return cmd
}

func taskResubmitCmd() *cobra.Command {
	var note, url string
	cmd := &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Answer a revision request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Resubmit(ctx, id, actorID(), note, url)
				if err != nil {
					return err
				}
				return printTask(ctx, e, t)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "response note")
	cmd.Flags().StringVar(&url, "url", "", "new work url (keeps the previous one when empty)")
	return cmd
}

func taskDeadlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deadline <id>",
		Short: "Cancel the task if its deadline has passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				triggered, t, err := e.TriggerDeadline(ctx, id, actorID())
				if err != nil {
					return err
				}
				if !triggered && !viper.GetBool("json") {
					fmt.Println("deadline not reached")
				}
				return printTask(ctx, e, t)
			})
		},
	}
}

func joinCmd() *cobra.Command {
	join := &cobra.Command{
		Use:   "join",
		Short: "Join requests",
		Long:  "Applicants lock the member stake when requesting; rejected or withdrawn requests are refunded to the balance.",
	}
	join.AddCommand(&cobra.Command{
		Use:   "quote <task-id>",
		Short: "Member stake required to join",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.QuoteMemberStake(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"stake": s})
				}
				fmt.Printf("Member stake: %s (%d base units)\n", amount.Format(s, unitsPerWhole(ctx, e)), s)
				return nil
			})
		},
	})

	var value string
	request := &cobra.Command{
		Use:   "request <task-id>",
		Short: "Request to join, conveying the member stake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var v int64
				if value == "" {
					if v, err = e.QuoteMemberStake(ctx, id); err != nil {
						return err
					}
				} else if v, err = parseAmount(ctx, e, "value", value); err != nil {
					return err
				}
				jr, err := e.RequestJoin(ctx, id, actorID(), v)
				if err != nil {
					return err
				}
				return printJSONOrTable(jr)
			})
		},
	}
	request.Flags().StringVar(&value, "value", "", "amount conveyed in whole units (default: quoted stake)")
	join.AddCommand(request)

	join.AddCommand(&cobra.Command{
		Use:   "withdraw <task-id>",
		Short: "Withdraw your pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jr, err := e.WithdrawJoinRequest(ctx, id, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(jr)
			})
		},
	})

	join.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "Join request history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.JoinRequests(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				perWhole := unitsPerWhole(ctx, e)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Applicant", "Stake", "Status", "Created"})
				for _, jr := range items {
					tw.AppendRow(table.Row{jr.ID, jr.ApplicantID, amount.Format(jr.Stake, perWhole), jr.Status, jr.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	var applicant string
	approve := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Assign an applicant as member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApproveJoin(ctx, id, actorID(), applicant)
				if err != nil {
					return err
				}
				return printTask(ctx, e, t)
			})
		},
	}
	approve.Flags().StringVar(&applicant, "applicant", "", "applicant actor id")
	_ = approve.MarkFlagRequired("applicant")
	join.AddCommand(approve)

	var rejected string
	reject := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject an applicant and refund the stake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jr, err := e.RejectJoin(ctx, id, actorID(), rejected)
				if err != nil {
					return err
				}
				return printJSONOrTable(jr)
			})
		},
	}
	reject.Flags().StringVar(&rejected, "applicant", "", "applicant actor id")
	_ = reject.MarkFlagRequired("applicant")
	join.AddCommand(reject)
	return join
}

func submitCmd() *cobra.Command {
	var url, note string
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit work for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sub, err := e.Submit(ctx, id, actorID(), url, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "work url")
	cmd.Flags().StringVar(&note, "note", "", "note for the reviewer")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func cancelCmd() *cobra.Command {
	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel tasks",
		Long:  "Mutual cancel returns all stakes; a unilateral cancel splits the canceller's stake by the negative penalty.",
	}

	var reason string
	request := &cobra.Command{
		Use:   "request <task-id>",
		Short: "Ask the counterparty to cancel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cr, err := e.RequestCancel(ctx, id, actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(cr)
			})
		},
	}
	request.Flags().StringVar(&reason, "reason", "", "why the task should end")
	cancel.AddCommand(request)

	var approve, reject bool
	respond := &cobra.Command{
		Use:   "respond <task-id>",
		Short: "Approve or reject a cancel request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject required")
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcome, err := e.RespondCancel(ctx, id, actorID(), approve)
				if err != nil {
					return err
				}
				t, err := e.Task(ctx, id)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Println("outcome:", outcome)
				}
				return printTask(ctx, e, t)
			})
		},
	}
	respond.Flags().BoolVar(&approve, "approve", false, "accept the cancel")
	respond.Flags().BoolVar(&reject, "reject", false, "refuse the cancel")
	cancel.AddCommand(respond)

	cancel.AddCommand(taskActionCmd("expire <task-id>", "Reset a cancel request whose cooldown passed", func(e engine.Engine) taskAction { return e.ExpireCancel }))
	cancel.AddCommand(taskActionCmd("self <task-id>", "Cancel unilaterally and take the penalty", func(e engine.Engine) taskAction { return e.CancelByMe }))

	cancel.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show the pending cancel request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cr, err := e.CancelRequest(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(cr)
			})
		},
	})
	return cancel
}

func balanceCmd() *cobra.Command {
	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show your withdrawable balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Balance(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"actor_id": actorID(), "amount": b})
				}
				fmt.Printf("%s: %s\n", actorID(), amount.Format(b, unitsPerWhole(ctx, e)))
				return nil
			})
		},
	}
	balance.AddCommand(&cobra.Command{
		Use:   "withdraw",
		Short: "Pay out your whole balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Withdraw(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return balance
}

func feesCmd() *cobra.Command {
	fees := &cobra.Command{
		Use:   "fees",
		Short: "Fee pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pool, err := e.FeePool(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pool)
				}
				perWhole := unitsPerWhole(ctx, e)
				fmt.Printf("Pool: %s\nSwept: %s\nTreasury: %s\n", amount.Format(pool.Amount, perWhole), amount.Format(pool.SweptTotal, perWhole), pool.Treasury)
				return nil
			})
		},
	}
	fees.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Transfer the fee pool to the treasury (staff only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SweepFees(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})

	var recipient string
	var limit int
	payouts := &cobra.Command{
		Use:   "payouts",
		Short: "List executed payouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPayouts(ctx, recipient, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				perWhole := unitsPerWhole(ctx, e)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Recipient", "Amount", "Reason", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Recipient, amount.Format(p.Amount, perWhole), p.Reason, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	payouts.Flags().StringVar(&recipient, "recipient", "", "recipient filter")
	payouts.Flags().IntVar(&limit, "limit", 50, "max payouts")
	fees.AddCommand(payouts)
	return fees
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Protocol parameters",
		Long:  "Parameters are versioned in the database. Tasks keep the version they were created under.",
	}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, version, err := e.Config(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": version, "config": cfg})
				}
				out, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Printf("# version %d\n%s", version, out)
				return nil
			})
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "versions",
		Short: "List config versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ConfigVersions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "By", "At"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.Version, v.CreatedBy, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the config from a YAML file (owner only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := e.ImportConfig(ctx, actorID(), cfg)
				if err != nil {
					return err
				}
				fmt.Printf("config version %d\n", version)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "YAML file")
	_ = importCmd.MarkFlagRequired("file")
	cfgCmd.AddCommand(importCmd)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default stakeline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault("treasury")), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "set <field> <value>",
		Short: "Change one parameter (owner only)",
		Long: `Fields:
  weights        reward,reputation,deadline,revisions (sum 10)
  tiers          five ascending score thresholds
  categories     six ascending stake amounts in base units
  max-stake      base units
  neg-penalty    percent
  fee-percent    percent
  treasury       fee sink id
  strategy       tiered | ratio`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := setConfigField(ctx, e, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("config version %d\n", version)
				return nil
			})
		},
	})
	return cfgCmd
}

func setConfigField(ctx context.Context, e engine.Engine, field, value string) (int64, error) {
	actor := actorID()
	switch field {
	case "weights":
		v, err := parseInts(value)
		if err != nil {
			return 0, err
		}
		if len(v) != 4 {
			return 0, fmt.Errorf("weights need 4 values, got %d", len(v))
		}
		return e.SetWeights(ctx, actor, config.Weights{Reward: v[0], Reputation: v[1], Deadline: v[2], Revisions: v[3]})
	case "tiers":
		v, err := parseInts(value)
		if err != nil {
			return 0, err
		}
		return e.SetTierThresholds(ctx, actor, v)
	case "categories":
		v, err := parseInts(value)
		if err != nil {
			return 0, err
		}
		return e.SetCategories(ctx, actor, v)
	case "max-stake", "neg-penalty", "fee-percent":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", field, err)
		}
		switch field {
		case "max-stake":
			return e.SetMaxStake(ctx, actor, v)
		case "neg-penalty":
			return e.SetNegPenalty(ctx, actor, v)
		default:
			return e.SetFeePercent(ctx, actor, v)
		}
	case "treasury":
		return e.SetTreasury(ctx, actor, value)
	case "strategy":
		return e.SetStrategy(ctx, actor, value)
	default:
		return 0, fmt.Errorf("unknown field %q", field)
	}
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Owner and employee tools",
	}
	admin.AddCommand(&cobra.Command{
		Use:   "bootstrap",
		Short: "Make the current actor owner when no owner exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.BootstrapOwner(ctx, actorID()); err != nil {
					return err
				}
				fmt.Println("owner:", actorID())
				return nil
			})
		},
	})
	for _, grant := range []bool{true, false} {
		grant := grant
		use, short := "grant <actor>", "Grant the employee role (owner only)"
		if !grant {
			use, short = "revoke <actor>", "Revoke the employee role (owner only)"
		}
		admin.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					if grant {
						return e.GrantEmployee(ctx, actorID(), args[0])
					}
					return e.RevokeEmployee(ctx, actorID(), args[0])
				})
			},
		})
	}
	admin.AddCommand(&cobra.Command{
		Use:   "solvency",
		Short: "Check that held funds match obligations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Solvency(ctx)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(s); err != nil {
					return err
				}
				if !s.Balanced() {
					return fmt.Errorf("ledger out of balance")
				}
				return nil
			})
		},
	})
	return admin
}

// --- parsing and printing ---

func parseTaskID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func parseInts(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}

func printTask(ctx context.Context, e engine.Engine, t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	perWhole := unitsPerWhole(ctx, e)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Title", t.Title},
		{"URL", t.URL},
		{"Status", t.Status},
		{"Creator", t.CreatorID},
		{"Member", t.MemberID()},
		{"Reward", amount.Format(t.Reward, perWhole)},
		{"Creator stake", amount.Format(t.CreatorStake, perWhole)},
		{"Member stake", amount.Format(t.MemberStake(), perWhole)},
		{"Fee", amount.Format(t.Fee, perWhole)},
		{"Deadline (h)", t.DeadlineHours},
		{"Max revisions", t.MaxRevisions},
		{"Config version", t.ConfigVersion},
	})
	tw.Render()
	return nil
}
