package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"migline/internal/app"
	"migline/internal/field"
	"migline/internal/repo"
)

func entityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "entity", Short: "Inspect and write entity records"}
	cmd.AddCommand(entityPutCmd())
	cmd.AddCommand(entityImportCmd())
	cmd.AddCommand(entityGetCmd())
	cmd.AddCommand(entityListCmd())
	cmd.AddCommand(entityDeleteCmd())
	return cmd
}

// readBody returns the --data value, or the --file content; "-" reads stdin.
func readBody(data, file string) ([]byte, error) {
	switch {
	case data != "":
		return []byte(data), nil
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, fmt.Errorf("--data or --file required")
}

func markUnique(fields []field.Field, names []string) ([]field.Field, error) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		found := false
		for i, f := range fields {
			if f.Name() == name {
				fields[i] = f.AsUnique()
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unique field %q not in body", name)
		}
	}
	return fields, nil
}

func entityPutCmd() *cobra.Command {
	var collection, id, data, file string
	var unique []string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store a JSON object in the current encoding",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope()
			if err != nil {
				return err
			}
			body, err := readBody(data, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fields, err := field.FromJSON(body, a.Config.Field.MaxDepth)
				if err != nil {
					return err
				}
				if fields, err = markUnique(fields, unique); err != nil {
					return err
				}
				ent := repo.Entity{Scope: scope, Collection: collection, ID: id, Fields: fields}
				if err := a.Engine.PutEntity(ctx, localActor(), ent); err != nil {
					return err
				}
				printf("stored %s/%s/%s (%d fields)\n", scope, collection, id, len(fields))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "collection name")
	cmd.Flags().StringVar(&id, "id", "", "entity id")
	cmd.Flags().StringVar(&data, "data", "", "JSON object")
	cmd.Flags().StringVar(&file, "file", "", "file holding a JSON object, - for stdin")
	cmd.Flags().StringSliceVar(&unique, "unique", nil, "top-level fields to index as unique")
	return cmd
}

func entityImportCmd() *cobra.Command {
	var collection, id, data, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a JSON object as a legacy record for encode-legacy-json to convert",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope()
			if err != nil {
				return err
			}
			body, err := readBody(data, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.ImportLegacy(ctx, localActor(), scope, collection, id, body); err != nil {
					return err
				}
				printf("imported %s/%s/%s\n", scope, collection, id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "collection name")
	cmd.Flags().StringVar(&id, "id", "", "entity id")
	cmd.Flags().StringVar(&data, "data", "", "JSON object")
	cmd.Flags().StringVar(&file, "file", "", "file holding a JSON object, - for stdin")
	return cmd
}

func entityGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ent, err := a.Engine.GetEntity(ctx, localActor(), scope, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entityView{Scope: ent.Scope, Collection: ent.Collection, ID: ent.ID, Fields: ent.Fields, UpdatedAt: ent.UpdatedAt})
				}
				return printEntities([]repo.Entity{ent})
			})
		},
	}
}

func entityListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list [collection]",
		Short: "List entities of a scope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope()
			if err != nil {
				return err
			}
			collection := ""
			if len(args) == 1 {
				collection = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEntities(ctx, localActor(), scope, collection, limit)
				if err != nil {
					return err
				}
				return printEntities(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entities")
	return cmd
}

func entityDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete one entity and its unique index entries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteEntity(ctx, localActor(), scope, args[0], args[1])
			})
		},
	}
}
