package notion

import (
	"sort"

	"github.com/jamalex/notion-py/pkg/models"
)

// Kind is the type of a block. Blocks living in a collection are rows or
// templates whatever their server type.
type Kind string

const (
	KindPage               Kind = "page"
	KindText               Kind = "text"
	KindHeader             Kind = "header"
	KindSubHeader          Kind = "sub_header"
	KindSubSubHeader       Kind = "sub_sub_header"
	KindToDo               Kind = "to_do"
	KindBulletedList       Kind = "bulleted_list"
	KindNumberedList       Kind = "numbered_list"
	KindToggle             Kind = "toggle"
	KindQuote              Kind = "quote"
	KindDivider            Kind = "divider"
	KindCode               Kind = "code"
	KindCallout            Kind = "callout"
	KindImage              Kind = "image"
	KindBookmark           Kind = "bookmark"
	KindCollectionView     Kind = "collection_view"
	KindCollectionViewPage Kind = "collection_view_page"

	KindCollectionRow Kind = "collection_row"
	KindTemplate      Kind = "template"
	// KindUnknown covers types this package has no fields for. The server
	// type is still available from Block.Type.
	KindUnknown Kind = "unknown"
)

type kindDef struct {
	fields map[string]Field
	// creatable kinds can be passed to Children.AddNew.
	creatable bool
}

var kinds = buildKinds()

func buildKinds() map[Kind]*kindDef {
	base := []Field{
		FieldMap("alive", "alive"),
		FieldMap("type", "type"),
		FieldMap("created_time", "created_time", ReadOnly()),
		FieldMap("last_edited_time", "last_edited_time", ReadOnly()),
		FieldMap("parent_id", "parent_id", ReadOnly()),
		FieldMap("parent_table", "parent_table", ReadOnly()),
	}
	title := PropertyMap("title", "title")
	color := FieldMap("color", "format.block_color")
	icon := FieldMap("icon", "format.page_icon")
	cover := FieldMap("cover", "format.page_cover")
	basic := []Field{title, color}
	collectionBlock := []Field{
		FieldMap("collection_id", "collection_id", ReadOnly()),
		FieldMap("view_ids", "view_ids", ReadOnly()),
	}

	out := make(map[Kind]*kindDef)
	add := func(k Kind, creatable bool, fields ...Field) {
		def := &kindDef{fields: make(map[string]Field), creatable: creatable}
		for _, f := range base {
			def.fields[f.name] = f
		}
		for _, f := range fields {
			def.fields[f.name] = f
		}
		out[k] = def
	}

	add(KindPage, true, title, icon, cover,
		FieldMap("full_width", "format.page_full_width"),
		FieldMap("locked", "format.block_locked"),
	)
	for _, k := range []Kind{KindText, KindHeader, KindSubHeader, KindSubSubHeader,
		KindBulletedList, KindNumberedList, KindToggle, KindQuote} {
		add(k, true, basic...)
	}
	add(KindToDo, true, title, color, PropertyMap("checked", "checked", AsCheckbox()))
	add(KindDivider, true)
	add(KindCode, true, title, color,
		PropertyMap("language", "language"),
		FieldMap("wrap", "format.code_wrap"),
	)
	add(KindCallout, true, title, color, icon)
	add(KindImage, true,
		JointMap("source", PropertyMap("source", "source"), FieldMap("display_source", "format.display_source")),
		PropertyMap("caption", "caption"),
		FieldMap("width", "format.block_width"),
	)
	add(KindBookmark, true, title,
		PropertyMap("link", "link"),
		PropertyMap("description", "description"),
		FieldMap("bookmark_icon", "format.bookmark_icon"),
		FieldMap("bookmark_cover", "format.bookmark_cover"),
	)
	add(KindCollectionView, true, collectionBlock...)
	add(KindCollectionViewPage, true, append([]Field{icon}, collectionBlock...)...)
	add(KindCollectionRow, false, title, icon, cover)
	add(KindTemplate, false, title, icon, cover)
	add(KindUnknown, false)
	return out
}

// KindOf resolves the kind of a block value.
func KindOf(v models.Value) Kind {
	if pt, _ := v["parent_table"].(string); pt == string(models.TableCollection) {
		if tmpl, _ := v["is_template"].(bool); tmpl {
			return KindTemplate
		}
		return KindCollectionRow
	}
	t, _ := v["type"].(string)
	if def, ok := kinds[Kind(t)]; ok && def.creatable {
		return Kind(t)
	}
	return KindUnknown
}

// Fields lists the field names of k, sorted.
func (k Kind) Fields() []string {
	def, ok := kinds[k]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(def.fields))
	for name := range def.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (k Kind) field(name string) (Field, bool) {
	def, ok := kinds[k]
	if !ok {
		return Field{}, false
	}
	f, ok := def.fields[name]
	return f, ok
}

func (k Kind) Creatable() bool {
	def, ok := kinds[k]
	return ok && def.creatable
}

func (k Kind) String() string {
	return string(k)
}
