package guahao

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func baseSubmitRequest() SubmitRequest {
	return SubmitRequest{
		SchData:        "blob",
		MemberID:       "m1",
		AddressID:      "31",
		Address:        "福田区梅林路",
		UnitID:         "u1",
		ScheduleID:     "s1",
		DepID:          "d1",
		SchDate:        "2024-06-01",
		TimeType:       "am",
		DoctorID:       "doc1",
		Detlid:         "601",
		DetlidRealtime: "rt",
		LevelCode:      "1",
	}
}

func TestSubmitOrderSuccessRedirect(t *testing.T) {
	mux := http.NewServeMux()
	var posted sync.Map
	mux.HandleFunc("/guahao/checkidinfo.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status": true}`)
	})
	mux.HandleFunc("/guahao/ysubmit.html", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		for key, values := range r.PostForm {
			posted.Store(key, values[0])
		}
		http.Redirect(w, r, "/guahao/success.html", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	result, err := client.SubmitOrder(context.Background(), baseSubmitRequest())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "OK", result.Message)
	require.Contains(t, result.URL, "/guahao/success.html")

	accept, _ := posted.Load("accept")
	require.Equal(t, "1", accept)
	mid, _ := posted.Load("mid")
	require.Equal(t, "m1", mid)
	schData, _ := posted.Load("sch_data")
	require.Equal(t, "blob", schData)
}

func TestSubmitOrderFailureRedirectCarriesReason(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/guahao/checkidinfo.html", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/guahao/ysubmit.html", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/guahao/ystep1/uid-u1/depid-d1/schid-s1.html", http.StatusFound)
	})
	mux.HandleFunc("/guahao/ystep1/uid-u1/depid-d1/schid-s1.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><script>alert("该号源已被约满")</script></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	result, err := client.SubmitOrder(context.Background(), baseSubmitRequest())
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Message, "submit redirect")
	require.Contains(t, result.Message, "该号源已被约满")
}

func TestSubmitOrderBackfillsAddressFromTicket(t *testing.T) {
	mux := http.NewServeMux()
	var postedAddress string
	var postedAddressID string
	mux.HandleFunc("/guahao/checkidinfo.html", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/guahao/ystep1/uid-u1/depid-d1/schid-s1.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<select name="addressId"><option value="55" selected>南山区科技园</option></select>
		</body></html>`)
	})
	mux.HandleFunc("/guahao/ysubmit.html", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		postedAddress = r.PostFormValue("address")
		postedAddressID = r.PostFormValue("addressId")
		http.Redirect(w, r, "/guahao/success.html", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	req := baseSubmitRequest()
	req.AddressID = ""
	req.Address = ""

	result, err := client.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "55", postedAddressID)
	require.Equal(t, "南山区科技园", postedAddress)
}

func TestSubmitOrderInlineFailureMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/guahao/checkidinfo.html", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/guahao/ysubmit.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><script>layer.msg('操作太频繁，请稍后再试')</script></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	result, err := client.SubmitOrder(context.Background(), baseSubmitRequest())
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Message, "操作太频繁，请稍后再试")
}

func TestExtractSubmitMessage(t *testing.T) {
	require.Equal(t, "排队人数过多", extractSubmitMessage(`alert("排队人数过多")`))
	require.Equal(t, "预约失败", extractSubmitMessage(`layer.alert('预约失败')`))
	require.Equal(t, "页面标题", extractSubmitMessage(`<html><head><title>页面标题</title></head></html>`))
	require.Empty(t, extractSubmitMessage(""))
}

func TestIsGenericSubmitMessage(t *testing.T) {
	require.True(t, isGenericSubmitMessage(""))
	require.True(t, isGenericSubmitMessage("操作失败"))
	require.True(t, isGenericSubmitMessage("请求错误，请重试"))
	require.False(t, isGenericSubmitMessage("该号源已被约满"))
}

func TestSnippet(t *testing.T) {
	require.Equal(t, "a b c", snippet("a\n\nb\t c", 100))
	require.Equal(t, "abcde", snippet("abcdefgh", 5))
	require.Empty(t, snippet("\x00\x01\n", 100))
}

func TestResolveURL(t *testing.T) {
	require.Equal(t,
		"https://www.91160.com/guahao/success.html",
		resolveURL("https://www.91160.com/guahao/ysubmit.html", "/guahao/success.html"))
	require.Equal(t,
		"https://other.example/x",
		resolveURL("https://www.91160.com/guahao/ysubmit.html", "https://other.example/x"))
	require.Empty(t, resolveURL("https://www.91160.com/", ""))
}

func TestUIDFromCookieValue(t *testing.T) {
	require.Equal(t, "12345", uidFromCookieValue(`{"fid": 12345}`))
	require.Equal(t, "77", uidFromCookieValue(`%7B%22uid%22%3A%2277%22%7D`))
	require.Empty(t, uidFromCookieValue("not json"))
	require.Empty(t, uidFromCookieValue(""))
}
