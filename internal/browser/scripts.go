package browser

// Page-side snippets. Values come back as JSON strings so the Go side
// decodes them with encoding/json instead of walking RemoteObjects.

const focusStateScript = `JSON.stringify({
  visible: document.visibilityState === 'visible',
  focused: document.hasFocus()
})`

const inspectScript = `function() {
  const el = this;
  const attrs = {};
  for (const a of Array.from(el.attributes || [])) attrs[a.name] = a.value;
  const icons = [];
  const own = el.getAttribute && el.getAttribute('data-icon');
  if (own) icons.push(own);
  if (el.querySelectorAll) {
    el.querySelectorAll('[data-icon]').forEach(n => icons.push(n.getAttribute('data-icon')));
  }
  const tag = (el.tagName || '').toLowerCase();
  const editable = !!el.isContentEditable;
  return JSON.stringify({
    tag: tag,
    editable: editable,
    attrs: attrs,
    icons: icons,
    inFooter: !!(el.closest && el.closest('footer')),
    inMain: !!(el.closest && el.closest('#main'))
  });
}`

// dispatchScript receives a domain.Event; a file payload arrives base64
// encoded and is wrapped into a DataTransfer for paste and drop.
const dispatchScript = `function(ev) {
  let dt = null;
  if (ev.file) {
    const bin = atob(ev.file.data || '');
    const bytes = new Uint8Array(bin.length);
    for (let i = 0; i < bin.length; i++) bytes[i] = bin.charCodeAt(i);
    const file = new File([bytes], ev.file.name || 'image.png', {type: ev.file.mime || 'image/png'});
    dt = new DataTransfer();
    dt.items.add(file);
  }
  const init = {bubbles: !!ev.bubbles, cancelable: !!ev.cancelable};
  let e;
  switch (ev.kind) {
  case 'input':
    e = new InputEvent('input', Object.assign(init, {inputType: ev.inputType || 'insertText', data: ev.data || null}));
    break;
  case 'compositionend':
    e = new CompositionEvent('compositionend', Object.assign(init, {data: ev.data || ''}));
    break;
  case 'keydown':
  case 'keyup':
    e = new KeyboardEvent(ev.kind, Object.assign(init, {
      key: ev.key || '', code: ev.code || '', ctrlKey: !!ev.ctrlKey, metaKey: !!ev.metaKey
    }));
    break;
  case 'paste':
    e = new ClipboardEvent('paste', Object.assign(init, {clipboardData: dt}));
    break;
  case 'drop':
    e = new DragEvent('drop', Object.assign(init, {dataTransfer: dt}));
    break;
  default:
    e = new Event(ev.kind, init);
  }
  this.dispatchEvent(e);
}`

// clipboardScript prefers PNG over JPEG and yields "" when neither exists.
const clipboardScript = `(async () => {
  const items = await navigator.clipboard.read();
  for (const want of ['image/png', 'image/jpeg']) {
    for (const item of items) {
      if (!item.types.includes(want)) continue;
      const blob = await item.getType(want);
      const buf = new Uint8Array(await blob.arrayBuffer());
      let bin = '';
      for (let i = 0; i < buf.length; i += 0x8000) {
        bin += String.fromCharCode.apply(null, buf.subarray(i, i + 0x8000));
      }
      return JSON.stringify({mime: want, data: btoa(bin)});
    }
  }
  return '';
})()`
