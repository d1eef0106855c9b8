package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/convohubhq/convohub/pkg/dag"
	"github.com/convohubhq/convohub/pkg/diff"
	"github.com/convohubhq/convohub/pkg/events/nop"
	"github.com/convohubhq/convohub/pkg/idempotency"
	"github.com/convohubhq/convohub/pkg/merge"
	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/service"
	"github.com/convohubhq/convohub/pkg/store/inmemory"
	"github.com/convohubhq/convohub/pkg/textgen"
)

func newTestServer() *Server {
	driver := inmemory.NewDriver()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := idempotency.NewCoordinator(driver)
	publisher := nop.NewPublisher()

	svc := service.New(driver, textgen.NewEcho(), coord, publisher, logger)
	registry := merge.NewRegistry(
		merge.NewAppendLast(),
		merge.NewResolver(textgen.NewEcho(), logger),
	)
	merger := merge.NewEngine(driver, registry, coord, publisher, logger)

	return NewServer(Config{ListenAddr: ":0"}, svc, diff.NewEngine(driver), merger, dag.NewEdgeManager(driver), driver, logger)
}

func doJSON(s *Server, method, path, body string) (*http.Response, map[string]any) {
	GinkgoHelper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-User-ID", "u1")

	resp, err := s.app.Test(req)
	Expect(err).NotTo(HaveOccurred())

	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	resp.Body.Close()

	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		Expect(json.Unmarshal(raw, &decoded)).To(Succeed())
	}
	return resp, decoded
}

var _ = Describe("Server", func() {
	var server *Server

	BeforeEach(func() {
		server = newTestServer()
	})

	createThread := func() string {
		GinkgoHelper()
		resp, body := doJSON(server, "POST", "/threads", `{"title":"t"}`)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		return body["id"].(string)
	}

	createBranch := func(threadID, name string) string {
		GinkgoHelper()
		resp, body := doJSON(server, "POST", "/threads/"+threadID+"/branches", `{"name":"`+name+`"}`)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		return body["id"].(string)
	}

	sendMessage := func(branchID, text string) (string, string) {
		GinkgoHelper()
		resp, body := doJSON(server, "POST", "/branches/"+branchID+"/messages", `{"text":"`+text+`"}`)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		return body["user_message_id"].(string), body["assistant_message_id"].(string)
	}

	It("responds to ping", func() {
		resp, _ := doJSON(server, "GET", "/ping", "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	Describe("threads", func() {
		It("creates a thread owned by the header identity", func() {
			resp, body := doJSON(server, "POST", "/threads", `{"title":"my thread"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(body["owner_id"]).To(Equal("u1"))

			resp, fetched := doJSON(server, "GET", "/threads/"+body["id"].(string), "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(fetched["title"]).To(Equal("my thread"))
		})

		It("returns 404 for a missing thread", func() {
			resp, _ := doJSON(server, "GET", "/threads/nope", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("deletes a thread", func() {
			threadID := createThread()
			req := httptest.NewRequest("DELETE", "/threads/"+threadID, nil)
			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})
	})

	Describe("branches", func() {
		var threadID string

		BeforeEach(func() {
			threadID = createThread()
		})

		It("requires a branch name", func() {
			resp, _ := doJSON(server, "POST", "/threads/"+threadID+"/branches", `{}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("creates a branch and lists it", func() {
			createBranch(threadID, "main")
			req := httptest.NewRequest("GET", "/threads/"+threadID+"/branches", nil)
			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var branches []model.Branch
			Expect(json.NewDecoder(resp.Body).Decode(&branches)).To(Succeed())
			Expect(branches).To(HaveLen(1))
			Expect(branches[0].Name).To(Equal("main"))
		})

		It("maps duplicate branch names to 409", func() {
			createBranch(threadID, "main")
			resp, _ := doJSON(server, "POST", "/threads/"+threadID+"/branches", `{"name":"main"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("messages", func() {
		var branchID string

		BeforeEach(func() {
			branchID = createBranch(createThread(), "main")
		})

		It("sends a message and lists the branch history", func() {
			userID, assistantID := sendMessage(branchID, "hello")
			Expect(userID).NotTo(BeEmpty())
			Expect(assistantID).NotTo(BeEmpty())

			req := httptest.NewRequest("GET", "/branches/"+branchID+"/messages", nil)
			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())

			var msgs []model.Message
			Expect(json.NewDecoder(resp.Body).Decode(&msgs)).To(Succeed())
			Expect(msgs).To(HaveLen(3)) // seed + user + assistant
			Expect(msgs[2].Text()).To(Equal("(echo) You said: hello"))
		})

		It("maps a missing branch to 404", func() {
			resp, _ := doJSON(server, "POST", "/branches/nope/messages", `{"text":"hi"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("edges", func() {
		It("rejects a cycle-forming edge with 400", func() {
			branchID := createBranch(createThread(), "main")
			userID, _ := sendMessage(branchID, "hello")

			resp, _ := doJSON(server, "POST", "/messages/"+userID+"/edges",
				`{"from_message_id":"`+userID+`","edge_type":"reference"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("creates and removes a reference edge", func() {
			branchID := createBranch(createThread(), "main")
			userID, assistantID := sendMessage(branchID, "hello")

			resp, _ := doJSON(server, "POST", "/messages/"+userID+"/edges",
				`{"from_message_id":"`+assistantID+`","edge_type":"reference"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			req := httptest.NewRequest("DELETE", "/messages/"+userID+"/edges/"+assistantID, nil)
			del, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(del.StatusCode).To(Equal(http.StatusOK))

			var removed map[string]bool
			Expect(json.NewDecoder(del.Body).Decode(&removed)).To(Succeed())
			Expect(removed["removed"]).To(BeTrue())
		})
	})

	Describe("diff", func() {
		It("requires both branch ids", func() {
			resp, _ := doJSON(server, "GET", "/diff?left=a", "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("computes a messages diff", func() {
			threadID := createThread()
			left := createBranch(threadID, "main")
			right := createBranch(threadID, "idea")
			sendMessage(left, "hello")

			resp, body := doJSON(server, "GET", "/diff?left="+left+"&right="+right+"&mode=messages", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["mode"]).To(Equal("messages"))
		})
	})

	Describe("merge", func() {
		It("maps an unknown strategy to 400", func() {
			threadID := createThread()
			source := createBranch(threadID, "idea")
			target := createBranch(threadID, "main")

			resp, _ := doJSON(server, "POST", "/merge",
				`{"thread_id":"`+threadID+`","source_branch_id":"`+source+`","target_branch_id":"`+target+`","strategy":"nope"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("merges with the default strategy and exposes the record", func() {
			threadID := createThread()
			target := createBranch(threadID, "main")
			source := createBranch(threadID, "idea")
			sendMessage(target, "on main")
			sendMessage(source, "on idea")

			resp, body := doJSON(server, "POST", "/merge",
				`{"thread_id":"`+threadID+`","source_branch_id":"`+source+`","target_branch_id":"`+target+`"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			mergeID := body["merge_id"].(string)
			Expect(mergeID).NotTo(BeEmpty())

			resp, record := doJSON(server, "GET", "/merges/"+mergeID, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(record["strategy"]).To(Equal("append-last"))
		})

		It("returns 404 for a missing merge record", func() {
			resp, _ := doJSON(server, "GET", "/merges/nope", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
