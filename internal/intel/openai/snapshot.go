package openai

import (
	"context"
	"fmt"
	"strings"
)

// pageSnapshot is the condensed page state packet sent to the model.
type pageSnapshot struct {
	URL      string        `json:"url"`
	Title    string        `json:"title"`
	Elements []pageElement `json:"elements"`
}

type pageElement struct {
	Tag         string `json:"tag"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	ID          string `json:"id"`
	Placeholder string `json:"placeholder"`
	AriaLabel   string `json:"aria_label"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	Selector    string `json:"selector"`
}

const snapshotExpression = `(() => {
  const visible = (el) => {
    const style = window.getComputedStyle(el);
    if (!style || style.visibility === "hidden" || style.display === "none") return false;
    const rect = el.getBoundingClientRect();
    return rect.width > 2 && rect.height > 2;
  };
  const toText = (value) => String(value || "").trim().replace(/\s+/g, " ").slice(0, 120);
  const cssEscape = (value) => {
    if (typeof CSS !== "undefined" && typeof CSS.escape === "function") return CSS.escape(String(value));
    return String(value).replace(/["\\]/g, "\\$&");
  };
  const segment = (el) => {
    const tag = (el.tagName || "div").toLowerCase();
    if (el.id) return tag + "#" + cssEscape(el.id);
    let index = 1;
    let sibling = el;
    while ((sibling = sibling.previousElementSibling)) {
      if ((sibling.tagName || "").toLowerCase() === tag) index++;
    }
    return tag + ":nth-of-type(" + index + ")";
  };
  const selectorFor = (el) => {
    if (el.id) {
      const byID = "#" + cssEscape(el.id);
      if (document.querySelectorAll(byID).length === 1) return byID;
    }
    const parts = [];
    let current = el;
    while (current && current.nodeType === 1 && parts.length < 8) {
      parts.unshift(segment(current));
      const selector = parts.join(" > ");
      if (document.querySelectorAll(selector).length === 1) return selector;
      if (current.id) break;
      current = current.parentElement;
    }
    return parts.join(" > ");
  };
  const nodes = [];
  const seen = new Set();
  const selectors = "input,textarea,select,button,a,[role='button'],[contenteditable='true']";
  for (const el of document.querySelectorAll(selectors)) {
    if (!visible(el)) continue;
    const selector = selectorFor(el);
    const key = selector + "|" + toText(el.innerText || el.textContent);
    if (seen.has(key)) continue;
    seen.add(key);
    nodes.push({
      tag: (el.tagName || "").toLowerCase(),
      type: toText(el.type || ""),
      name: toText(el.name || ""),
      id: toText(el.id || ""),
      placeholder: toText(el.placeholder || ""),
      aria_label: toText(el.getAttribute("aria-label") || ""),
      role: toText(el.getAttribute("role") || ""),
      text: toText(el.innerText || el.textContent || ""),
      selector
    });
    if (nodes.length >= 80) break;
  }
  return {
    url: String(window.location.href || ""),
    title: String(document.title || ""),
    elements: nodes
  };
})()`

func (c *Client) snapshot(ctx context.Context) (pageSnapshot, error) {
	var snap pageSnapshot
	if err := c.page.Evaluate(ctx, snapshotExpression, &snap); err != nil {
		return pageSnapshot{}, fmt.Errorf("collect page snapshot: %w", err)
	}
	if c.maxElements > 0 && len(snap.Elements) > c.maxElements {
		snap.Elements = snap.Elements[:c.maxElements]
	}
	return snap, nil
}

func trimSnippet(value string, max int) string {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(value)), " ")
	if max <= 0 || len(normalized) <= max {
		return normalized
	}
	return strings.TrimSpace(normalized[:max])
}
