package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/services"
)

const liveTimeout = 15 * time.Second

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the user's favorites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDeps(cmd, func(ctx context.Context, d *Deps) error {
				store, err := subscribe(ctx, d, opts.User)
				if err != nil {
					return err
				}
				defer store.Unsubscribe()

				view, err := awaitLive(ctx, store)
				if err != nil {
					return err
				}
				return opts.printView(cmd.OutOrStdout(), view)
			})
		},
	}
}

func newToggleCommand(opts *RootOptions) *cobra.Command {
	var mediaType string
	cmd := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Add the title if absent, remove it if present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDeps(cmd, func(ctx context.Context, d *Deps) error {
				item, err := resolveItem(ctx, d, args[0], mediaType)
				if err != nil {
					return err
				}
				toggle := services.NewFavoriteToggle(d.Backend.Favorites, nil, "", d.Log, nil)
				res, err := toggle.Toggle(ctx, &domain.User{ID: opts.User}, item)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return opts.printJSON(cmd.OutOrStdout(), res)
				}
				state := "removed"
				if res.Favorited {
					state = "added"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", item.ID, state)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&mediaType, "type", "t", "movie", "media type (movie|tv)")
	return cmd
}

func newAddCommand(opts *RootOptions) *cobra.Command {
	var mediaType string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Make sure the title is a favorite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDeps(cmd, func(ctx context.Context, d *Deps) error {
				item, err := resolveItem(ctx, d, args[0], mediaType)
				if err != nil {
					return err
				}
				store, err := subscribe(ctx, d, opts.User)
				if err != nil {
					return err
				}
				defer store.Unsubscribe()
				return store.Add(ctx, item)
			})
		},
	}
	cmd.Flags().StringVarP(&mediaType, "type", "t", "movie", "media type (movie|tv)")
	return cmd
}

func newRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Make sure the title is not a favorite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.withDeps(cmd, func(ctx context.Context, d *Deps) error {
				store, err := subscribe(ctx, d, opts.User)
				if err != nil {
					return err
				}
				defer store.Unsubscribe()
				return store.Remove(ctx, id)
			})
		},
	}
}

func newWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the favorites view every time it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDeps(cmd, func(ctx context.Context, d *Deps) error {
				store, err := subscribe(ctx, d, opts.User)
				if err != nil {
					return err
				}
				defer store.Unsubscribe()

				views, cancel := store.Observe()
				defer cancel()
				for {
					select {
					case <-ctx.Done():
						return nil
					case view, ok := <-views:
						if !ok {
							return nil
						}
						if view.Loading {
							continue
						}
						if err := opts.printView(cmd.OutOrStdout(), view); err != nil {
							return err
						}
					}
				}
			})
		},
	}
}

func subscribe(ctx context.Context, d *Deps, userID string) (*services.FavoritesStore, error) {
	store := services.NewFavoritesStore(d.Backend.Favorites, d.Log, nil)
	if err := store.Subscribe(ctx, userID); err != nil {
		return nil, err
	}
	return store, nil
}

// awaitLive blocks until the first snapshot has been applied.
func awaitLive(ctx context.Context, store *services.FavoritesStore) (services.FavoritesView, error) {
	views, cancel := store.Observe()
	defer cancel()

	timeout := time.NewTimer(liveTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return services.FavoritesView{}, ctx.Err()
		case <-timeout.C:
			return services.FavoritesView{}, errors.New("timed out waiting for favorites snapshot")
		case view, ok := <-views:
			if !ok {
				return services.FavoritesView{}, errors.New("favorites feed closed")
			}
			if view.State == services.StateLive {
				return view, nil
			}
		}
	}
}

// resolveItem fills display metadata from the catalog when one is configured.
func resolveItem(ctx context.Context, d *Deps, rawID, rawType string) (domain.FavoriteItem, error) {
	id, err := parseID(rawID)
	if err != nil {
		return domain.FavoriteItem{}, err
	}
	mediaType, ok := domain.ParseMediaType(rawType)
	if !ok {
		return domain.FavoriteItem{}, fmt.Errorf("unknown media type %q", rawType)
	}
	if d.Catalog == nil {
		return domain.FavoriteItem{ID: id, MediaType: mediaType}, nil
	}
	return d.Catalog.FavoriteItem(ctx, mediaType, id)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", s)
	}
	return id, nil
}

func (o *RootOptions) printView(w io.Writer, view services.FavoritesView) error {
	if o.Format == "json" {
		return o.printJSON(w, view)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tTYPE\tTITLE\tRELEASED\n")
	for _, it := range view.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", it.ID, it.MediaType, it.Title, it.ReleaseDate)
	}
	return tw.Flush()
}
