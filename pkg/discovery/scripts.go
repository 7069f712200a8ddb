package discovery

// ScriptID selects one of the statically defined in-page extraction scripts.
type ScriptID int

const (
	ScriptArticleAuthor ScriptID = iota
	ScriptUserCell
	ScriptPrimaryColumnLinks
	ScriptHandleText
)

var scriptNames = map[ScriptID]string{
	ScriptArticleAuthor:      "article-author",
	ScriptUserCell:           "user-cell",
	ScriptPrimaryColumnLinks: "primary-column-links",
	ScriptHandleText:         "handle-text",
}

func (id ScriptID) String() string {
	if name, ok := scriptNames[id]; ok {
		return name
	}
	return "unknown"
}

// Every script returns an array of strings: link hrefs, or "@handle" tokens
// for ScriptHandleText.
var scripts = map[ScriptID]string{
	ScriptArticleAuthor: `() => Array.from(
	document.querySelectorAll("article[data-testid='tweet'] [data-testid='User-Name'] a[role='link']")
).map(a => a.getAttribute('href')).filter(Boolean)`,

	ScriptUserCell: `() => Array.from(
	document.querySelectorAll("[data-testid='UserCell'] a[role='link']")
).map(a => a.getAttribute('href')).filter(Boolean)`,

	ScriptPrimaryColumnLinks: `() => Array.from(
	document.querySelectorAll("div[data-testid='primaryColumn'] a[role='link']")
).map(a => a.getAttribute('href')).filter(Boolean)`,

	ScriptHandleText: `() => {
	const root = document.querySelector("div[data-testid='primaryColumn']") || document.body;
	if (!root) return [];
	const out = [];
	const walker = document.createTreeWalker(root, NodeFilter.SHOW_TEXT);
	const re = /@([A-Za-z0-9_]{1,15})\b/g;
	let node;
	while ((node = walker.nextNode())) {
		let m;
		while ((m = re.exec(node.textContent)) !== null) {
			out.push('@' + m[1]);
		}
	}
	return out;
}`,
}

// Source returns the script text for id, or "" for an unknown id.
func (id ScriptID) Source() string {
	return scripts[id]
}
