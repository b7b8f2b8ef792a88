package server

import (
	"net/http"

	"github.com/sapcc/go-bits/respondwith"
)

// HelloMessage is the body of GET /.
const HelloMessage = "Hello from FastAPI on EKS with Elastic OTEL"

type healthResponse struct {
	Status string `json:"status"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondwith.JSON(w, http.StatusOK, healthResponse{Status: "healthy"})
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondwith.JSON(w, http.StatusOK, messageResponse{Message: HelloMessage})
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	respondwith.JSON(w, http.StatusNotFound, detailResponse{Detail: "Not Found"})
}

func handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	respondwith.JSON(w, http.StatusMethodNotAllowed, detailResponse{Detail: "Method Not Allowed"})
}
