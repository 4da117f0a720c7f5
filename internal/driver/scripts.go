package driver

// Page helpers. Every function declaration below is self-contained: the
// helper object is rebuilt per call so nothing is ever installed into the
// page's global scope. Helpers raise errors whose name is one of the js*
// prefixes in errors.go.

const jsHelpers = `
const SD = {
  raise(name, message) {
    const e = new Error(message);
    e.name = name;
    throw e;
  },
  check(node) {
    if (!node || !node.isConnected) {
      SD.raise('ObsoleteNode', 'element is no longer attached to the document');
    }
    return node;
  },
  find(root, method, selector) {
    if (method === 'xpath') {
      const doc = root.nodeType === 9 ? root : root.ownerDocument;
      let snap;
      try {
        snap = doc.evaluate(selector, root, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
      } catch (e) {
        SD.raise('InvalidSelector', e.message);
      }
      const out = [];
      for (let i = 0; i < snap.snapshotLength; i++) {
        out.push(snap.snapshotItem(i));
      }
      return out;
    }
    try {
      return Array.from(root.querySelectorAll(selector));
    } catch (e) {
      SD.raise('InvalidSelector', e.message);
    }
  },
  element(node) {
    return node.nodeType === 1 ? node : node.parentElement;
  },
  isVisible(node) {
    let el = SD.element(node);
    if (!el || el.closest('head')) {
      return false;
    }
    if (el.tagName === 'OPTION' || el.tagName === 'OPTGROUP') {
      el = el.closest('select') || el;
    }
    const view = el.ownerDocument.defaultView;
    const own = view.getComputedStyle(el);
    if (own.visibility === 'hidden' || own.visibility === 'collapse') {
      return false;
    }
    for (let cur = el; cur; cur = cur.parentElement) {
      if (view.getComputedStyle(cur).display === 'none') {
        return false;
      }
      const details = cur.parentElement;
      if (details && details.tagName === 'DETAILS' && !details.open && cur.tagName !== 'SUMMARY') {
        return false;
      }
    }
    return true;
  },
  isDisabled(el) {
    if (!el || el.nodeType !== 1) {
      return false;
    }
    if (el.matches(':disabled')) {
      return true;
    }
    if (el.tagName === 'OPTION' || el.tagName === 'OPTGROUP') {
      const select = el.closest('select');
      return !!select && select.matches(':disabled');
    }
    return false;
  },
  selector(el) {
    const parts = [];
    for (let cur = el; cur && cur.nodeType === 1; cur = cur.parentElement) {
      let part = cur.tagName.toLowerCase();
      if (cur.id) {
        part += '#' + cur.id;
      }
      if (cur.classList.length) {
        part += '.' + Array.from(cur.classList).join('.');
      }
      parts.unshift(part);
    }
    return parts.join(' ');
  },
  path(node) {
    const chain = [];
    for (let cur = SD.element(node); cur && cur.nodeType === 1; cur = cur.parentElement) {
      chain.unshift(cur);
    }
    return '/' + chain.map((el) => {
      const tag = el.tagName.toLowerCase();
      const parent = el.parentElement;
      if (!parent) {
        return tag;
      }
      const same = Array.from(parent.children).filter((c) => c.tagName === el.tagName);
      return same.length > 1 ? tag + '[' + (same.indexOf(el) + 1) + ']' : tag;
    }).join('/');
  },
  box(el) {
    const rects = el.getClientRects();
    return rects.length ? rects[0] : el.getBoundingClientRect();
  },
  inViewport(el, r) {
    const view = el.ownerDocument.defaultView;
    return r.top >= 0 && r.left >= 0 && r.bottom <= view.innerHeight && r.right <= view.innerWidth;
  },
  frameOffset(doc) {
    let x = 0;
    let y = 0;
    for (let view = doc.defaultView; view && view.frameElement; view = view.parent) {
      const frame = view.frameElement;
      const r = frame.getBoundingClientRect();
      const style = view.parent.getComputedStyle(frame);
      x += r.left + parseFloat(style.borderLeftWidth) + parseFloat(style.paddingLeft);
      y += r.top + parseFloat(style.borderTopWidth) + parseFloat(style.paddingTop);
    }
    return { x, y };
  },
  covers(el, hit) {
    return !!hit && (hit === el || el.contains(hit));
  },
  point(el, hasOffset, offsetX, offsetY) {
    if (!SD.isVisible(el)) {
      SD.raise('NotInteractable', 'element is not visible');
    }
    let r = SD.box(el);
    if (!SD.inViewport(el, r)) {
      el.scrollIntoView({ block: 'center', inline: 'center', behavior: 'instant' });
      r = SD.box(el);
    }
    if (r.width === 0 && r.height === 0) {
      SD.raise('NotInteractable', 'element has no size');
    }
    const x = hasOffset ? r.left + offsetX : r.left + r.width / 2;
    const y = hasOffset ? r.top + offsetY : r.top + r.height / 2;
    const hit = el.ownerDocument.elementFromPoint(x, y);
    const off = SD.frameOffset(el.ownerDocument);
    const ok = SD.covers(el, hit);
    return { x: x + off.x, y: y + off.y, ok, selector: ok || !hit ? '' : SD.selector(hit) };
  },
  obscured(el) {
    if (!SD.isVisible(el)) {
      return true;
    }
    const r = SD.box(el);
    const view = el.ownerDocument.defaultView;
    const x = r.left + r.width / 2;
    const y = r.top + r.height / 2;
    if (x < 0 || y < 0 || x > view.innerWidth || y > view.innerHeight) {
      return true;
    }
    if (!SD.covers(el, el.ownerDocument.elementFromPoint(x, y))) {
      return true;
    }
    return !!view.frameElement && SD.obscured(view.frameElement);
  },
  fire(el, ...types) {
    for (const type of types) {
      el.dispatchEvent(new Event(type, { bubbles: true }));
    }
  },
};
`

// fn wraps body in a function declaration that has the helpers in scope.
func fn(params, body string) string {
	return "function(" + params + ") {\n" + jsHelpers + "\n" + body + "\n}"
}

var (
	// Session level, run in a frame's execution context.
	jsFindInDocument = fn("method, selector", `return SD.find(document, method, selector);`)
	jsFrameByName    = fn("name", `
return Array.from(document.querySelectorAll('iframe, frame'))
  .find((f) => f.name === name || f.id === name) || null;`)
	jsDocumentHTML  = fn("", `return document.documentElement ? document.documentElement.outerHTML : '';`)
	jsDocumentTitle = fn("", `return document.title;`)
	jsWindowSize    = fn("", `return [window.innerWidth, window.innerHeight];`)

	// Node level, run with this bound to the element.
	jsFindInNode  = fn("method, selector", `return SD.find(SD.check(this), method, selector);`)
	jsVisibleText = fn("", `const el = SD.check(this); return SD.isVisible(el) ? (el.innerText || '') : '';`)
	jsAllText     = fn("", `return SD.check(this).textContent;`)
	jsTagName     = fn("", `const el = SD.check(this); return (el.tagName || el.nodeName).toLowerCase();`)
	jsPath        = fn("", `return SD.path(SD.check(this));`)
	jsVisible     = fn("", `return SD.isVisible(SD.check(this));`)
	jsChecked     = fn("", `return !!SD.check(this).checked;`)
	jsSelected    = fn("", `return !!SD.check(this).selected;`)
	jsDisabled    = fn("", `return SD.isDisabled(SD.check(this));`)
	jsObscured    = fn("", `return SD.obscured(SD.check(this));`)
	jsEqual       = fn("other", `return this === other;`)
	jsProperty    = fn("name", `return SD.check(this)[name];`)
	jsAttribute   = fn("name", `
const el = SD.check(this);
return el.hasAttribute(name) ? [el.getAttribute(name)] : [];`)
	jsRect = fn("", `
const r = SD.check(this).getBoundingClientRect();
return { x: r.left, y: r.top, width: r.width, height: r.height };`)
	jsValue = fn("", `
const el = SD.check(this);
if (el.tagName === 'SELECT' && el.multiple) {
  return Array.from(el.selectedOptions).map((o) => o.value);
}
return el.value === undefined || el.value === null ? '' : String(el.value);`)
	jsClickPoint = fn("hasOffset, offsetX, offsetY", `
const el = SD.check(this);
if (el.tagName === 'OPTION') {
  return { option: true };
}
return SD.point(el, hasOffset, offsetX, offsetY);`)
	jsTrigger = fn("type", `
const el = SD.check(this);
const init = { bubbles: true, cancelable: true, view: el.ownerDocument.defaultView };
switch (type) {
  case 'focus':
    el.focus();
    return;
  case 'blur':
    el.blur();
    return;
  case 'click': case 'dblclick': case 'contextmenu': case 'mousedown': case 'mouseup':
  case 'mouseover': case 'mouseout': case 'mouseenter': case 'mouseleave': case 'mousemove':
    el.dispatchEvent(new MouseEvent(type, init));
    return;
  case 'keydown': case 'keyup': case 'keypress':
    el.dispatchEvent(new KeyboardEvent(type, init));
    return;
  default:
    el.dispatchEvent(new Event(type, { bubbles: true, cancelable: true }));
}`)
	jsFocusForTyping = fn("", `
const el = SD.check(this);
if (el.ownerDocument.activeElement !== el) {
  el.focus();
}
if (typeof el.setSelectionRange === 'function' && typeof el.value === 'string') {
  try {
    el.setSelectionRange(el.value.length, el.value.length);
  } catch (e) {
    // Inputs such as email and number refuse selection ranges.
  }
}`)
	jsDescribeField = fn("", `
const el = SD.check(this);
return {
  tag: el.tagName.toLowerCase(),
  type: (el.getAttribute('type') || '').toLowerCase(),
  readOnly: !!el.readOnly,
  disabled: SD.isDisabled(el),
  editable: !!el.isContentEditable,
  checked: !!el.checked,
};`)
	jsClearForTyping = fn("", `
const el = SD.check(this);
el.focus();
if (el.value !== '') {
  el.value = '';
  SD.fire(el, 'input');
}`)
	jsFinishTyping = fn("", `
const el = SD.check(this);
SD.fire(el, 'change');
if (el.ownerDocument.activeElement === el) {
  el.blur();
}`)
	jsSetDirect = fn("value", `
const el = SD.check(this);
el.focus();
el.value = value;
SD.fire(el, 'input', 'change');
el.blur();`)
	jsSetContent = fn("value", `
const el = SD.check(this);
el.focus();
el.textContent = value;
SD.fire(el, 'input');
el.blur();`)
	jsSelectOption = fn("", `
const el = SD.check(this);
if (SD.isDisabled(el)) {
  return false;
}
const select = el.closest('select');
if (!el.selected) {
  el.selected = true;
  if (select) {
    SD.fire(select, 'input', 'change');
  }
}
return true;`)
	jsUnselectOption = fn("", `
const el = SD.check(this);
const select = el.closest('select');
if (!select || !select.multiple) {
  SD.raise('NotMultipleSelect', 'cannot unselect an option of a single select');
}
if (el.selected) {
  el.selected = false;
  SD.fire(select, 'input', 'change');
}`)
	jsFrameState = fn("", `
const el = SD.check(this);
if (el.tagName !== 'IFRAME' && el.tagName !== 'FRAME') {
  return 'invalid';
}
let doc;
try {
  doc = el.contentDocument;
} catch (e) {
  doc = null;
}
if (!doc) {
  return 'opaque';
}
const src = el.getAttribute('src');
if (doc.URL === 'about:blank' && src && src !== 'about:blank') {
  return 'loading';
}
return doc.readyState === 'complete' ? 'ready' : 'loading';`)

	// Array access used to unpack lookup and script results.
	jsLength = `function() { return this.length; }`
	jsIndex  = `function(i) { return this[i]; }`
	jsSelf   = `function() { return this; }`
)

// userScript wraps a statement body as a function so arguments are
// reachable through the arguments object.
func userScript(script string) string {
	return "function() {\n" + script + "\n}"
}

// userExpression wraps an expression so its value is returned.
func userExpression(expr string) string {
	return "function() {\nreturn (" + expr + "\n);\n}"
}

// userAsyncScript runs script with a completion callback appended to its
// arguments and rejects after waitMillis.
func userAsyncScript(script string) string {
	return `function(waitMillis, ...args) {
  return new Promise((resolve, reject) => {
    const timer = setTimeout(() => {
      const e = new Error('timed out waiting for asynchronous script result');
      e.name = 'ScriptTimeout';
      reject(e);
    }, waitMillis);
    args.push((value) => {
      clearTimeout(timer);
      resolve(value);
    });
    try {
      (function() {
` + script + `
      }).apply(this, args);
    } catch (e) {
      clearTimeout(timer);
      reject(e);
    }
  });
}`
}
