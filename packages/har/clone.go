package har

// Clone returns a deep copy of the archive
func (h *HAR) Clone() *HAR {
	if h == nil {
		return nil
	}
	if h.Log == nil {
		return &HAR{}
	}
	l := *h.Log
	if h.Log.Creator != nil {
		c := *h.Log.Creator
		l.Creator = &c
	}
	l.Pages = make([]*Page, len(h.Log.Pages))
	for i, p := range h.Log.Pages {
		cp := *p
		if p.PageTimings != nil {
			pt := *p.PageTimings
			cp.PageTimings = &pt
		}
		l.Pages[i] = &cp
	}
	l.Entries = make([]*Entry, len(h.Log.Entries))
	for i, e := range h.Log.Entries {
		l.Entries[i] = e.Clone()
	}
	return &HAR{Log: &l}
}

// Clone returns a deep copy of the entry
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Request = e.Request.Clone()
	c.Response = e.Response.Clone()
	if e.Cache != nil {
		c.Cache = &Cache{}
	}
	if e.Timings != nil {
		t := *e.Timings
		c.Timings = &t
	}
	return &c
}

// Clone returns a deep copy of the request
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Cookies = cloneCookies(r.Cookies)
	c.Headers = clonePairs(r.Headers)
	c.QueryString = clonePairs(r.QueryString)
	if r.PostData != nil {
		pd := *r.PostData
		pd.Params = clonePairs(r.PostData.Params)
		c.PostData = &pd
	}
	return &c
}

// Clone returns a deep copy of the response
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Cookies = cloneCookies(r.Cookies)
	c.Headers = clonePairs(r.Headers)
	if r.Content != nil {
		ct := *r.Content
		if r.Content.body != nil {
			ct.body = append([]byte(nil), r.Content.body...)
		}
		c.Content = &ct
	}
	return &c
}

func clonePairs(in []NameValuePair) []NameValuePair {
	if in == nil {
		return nil
	}
	out := make([]NameValuePair, len(in))
	copy(out, in)
	return out
}

func cloneCookies(in []Cookie) []Cookie {
	if in == nil {
		return nil
	}
	out := make([]Cookie, len(in))
	for i, c := range in {
		out[i] = c
		if c.Expires != nil {
			t := *c.Expires
			out[i].Expires = &t
		}
	}
	return out
}
