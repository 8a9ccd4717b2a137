// Package notion is a client for Notion's private web API. It mirrors the
// records the server sends into a local cache, applies edits to that cache
// as soon as they are submitted and keeps it current through a push
// listener.
//
// # Client
//
// [New] builds a [Client] from a [config.Config]. Use [config.Load] to read
// settings from a YAML file and the NOTION_* environment variables:
//
//	cfg, err := config.Load("notion.yaml")
//	if err != nil {
//		return err
//	}
//	client, err := notion.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
// # Records
//
// Every server record is reached through a [Record]: a table plus an id.
// [Record.Get] reads a path from the cached value, fetching the record the
// first time. [Record.Set] builds a set operation and submits it. Blocks
// carry a [Kind] and a set of named fields, see [Block.Field] and
// [Block.SetField].
//
// # Transactions
//
// Edits made inside [Client.Atomic] are queued and sent in one
// submitTransaction call when the outermost scope returns. Refreshes
// requested while the scope is open are deferred and run after the commit.
//
//	err := client.Atomic(ctx, func(ctx context.Context) error {
//		if err := page.SetField(ctx, "title", "Plans"); err != nil {
//			return err
//		}
//		_, err := page.Children().AddNew(ctx, notion.KindToDo, map[string]any{"title": "call"})
//		return err
//	})
//
// # Monitoring
//
// With monitoring enabled, records that have callbacks are subscribed on
// the message store and refreshed when the server reports a newer version.
// See [Client.StartMonitoring] and [Record.AddCallback].
package notion
