package network

import "github.com/lukluk/rendang/resp"

// tryMatchPubSubMessage inspects one decoded push/array frame: if it
// is a (un)subscribe confirmation it updates the pending-subscription
// bookkeeping and returns nil (already fully handled); if it is a
// channel/pattern message it is fanned out to the matching
// subscriber's channel and nil is returned; otherwise (an ordinary
// command reply arriving while in a subscribed state, e.g. PING) the
// frame is returned unchanged so the caller treats it as a normal
// reply (spec 4.2, "Subscription fan-out").
func (h *Handler) tryMatchPubSubMessage(buf *resp.RespBuf) *resp.RespBuf {
	val, err := buf.Decode()
	if err != nil {
		return buf
	}
	elements, ok := val.AsPushElements()
	if !ok {
		// RESP2 pub/sub confirmations/messages arrive as plain arrays.
		if val.Kind == resp.KindArray {
			elements = val.Array
		} else {
			return buf
		}
	}
	if len(elements) < 3 {
		return buf
	}

	kind := elements[0].String()
	switch kind {
	case "subscribe", "psubscribe", "ssubscribe":
		h.confirmSubscription(elements[1].String())
		return nil
	case "unsubscribe", "punsubscribe", "sunsubscribe":
		h.confirmUnsubscription(elements[1].String())
		return nil
	case "message", "smessage":
		h.deliverMessage(elements[1].String(), buf)
		return nil
	case "pmessage":
		h.deliverMessage(elements[1].String(), buf)
		return nil
	}
	return buf
}

func (h *Handler) confirmSubscription(channelOrPattern string) {
	for i, p := range h.pendingSubscriptions {
		if p.ChannelOrPattern == channelOrPattern {
			h.subscriptions[channelOrPattern] = p.Sender
			h.pendingSubscriptions = append(h.pendingSubscriptions[:i], h.pendingSubscriptions[i+1:]...)
			return
		}
	}
}

func (h *Handler) confirmUnsubscription(channelOrPattern string) {
	delete(h.subscriptions, channelOrPattern)
	for qi, entries := range h.pendingUnsubscriptions {
		for i, e := range entries {
			if e.channelOrPattern == channelOrPattern {
				h.pendingUnsubscriptions[qi] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
	for len(h.pendingUnsubscriptions) > 0 && len(h.pendingUnsubscriptions[0]) == 0 {
		h.pendingUnsubscriptions = h.pendingUnsubscriptions[1:]
	}
}

func (h *Handler) deliverMessage(channelOrPattern string, buf *resp.RespBuf) {
	if sender, ok := h.subscriptions[channelOrPattern]; ok {
		sender <- buf
		return
	}
	h.log.Warnf("[%s] received message for unknown subscription `%s`", h.tag, channelOrPattern)
}
