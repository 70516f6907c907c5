package remote

import "context"

// List enumerates folder, following continuation cursors. On failure the
// returned slice is empty rather than nil.
func List(ctx context.Context, b Backend, folder string) ([]Metadata, error) {
	page, err := b.ListFolder(ctx, folder)
	if err != nil {
		return []Metadata{}, err
	}
	entries := append([]Metadata{}, page.Entries...)
	for page.HasMore {
		page, err = b.ListFolderContinue(ctx, page.Cursor)
		if err != nil {
			return []Metadata{}, err
		}
		entries = append(entries, page.Entries...)
	}
	return entries, nil
}
