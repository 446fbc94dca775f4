package browser

import (
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/google/uuid"
)

// targetAttr marks the element an interaction resolved to, so both engines can
// act on XPath and CSS matches through one CSS selector.
const targetAttr = "data-rpa-target"

// collectVisibleJS is shared by the count and mark scripts.
const collectVisibleJS = `
	const visible = (el) => !!(el && (el.offsetWidth || el.offsetHeight || el.getClientRects().length));
	let nodes = [];
	try {
		if (isXPath) {
			const r = document.evaluate(selector, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
			for (let i = 0; i < r.snapshotLength; i++) nodes.push(r.snapshotItem(i));
		} else {
			nodes = Array.from(document.querySelectorAll(selector));
		}
	} catch (e) {
		return -1;
	}
	nodes = nodes.filter(visible);`

// countMatchesJS returns the number of visible matches, or -1 for an invalid selector.
var countMatchesJS = `(selector, isXPath) => {` + collectVisibleJS + `
	return nodes.length;
}`

// markTargetJS tags the index-th visible match and returns the match count,
// -1 for an invalid selector.
var markTargetJS = `(selector, isXPath, index, token) => {` + collectVisibleJS + `
	document.querySelectorAll('[` + targetAttr + `]').forEach((el) => el.removeAttribute('` + targetAttr + `'));
	if (index < nodes.length) {
		nodes[index].setAttribute('` + targetAttr + `', token);
	}
	return nodes.length;
}`

// clearValueJS empties an input and notifies framework listeners.
const clearValueJS = `function() {
	if ('value' in this) { this.value = ''; }
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
}`

// storageSnapshotJS reads every key of window[store] into a plain object.
func storageSnapshotJS(store string) string {
	return fmt.Sprintf(`(function() {
		let items = {};
		try {
			const s = window.%s;
			if (s) {
				for (let i = 0; i < s.length; i++) {
					const k = s.key(i);
					if (k) { items[k] = s.getItem(k) || ''; }
				}
			}
		} catch (e) { return null; }
		return items;
	})()`, store)
}

func newTargetToken() string {
	return uuid.NewString()
}

func targetSelector(token string) string {
	return fmt.Sprintf(`[%s=%q]`, targetAttr, token)
}

// callExpr renders fn applied to args as a JS expression.
func callExpr(fn string, args ...interface{}) (string, error) {
	encoded := make([]byte, 0, 64)
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode script argument %d: %w", i, err)
		}
		if i > 0 {
			encoded = append(encoded, ',')
		}
		encoded = append(encoded, b...)
	}
	return fmt.Sprintf("(%s)(%s)", fn, encoded), nil
}
