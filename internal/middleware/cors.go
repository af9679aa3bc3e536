package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows the browser client's origins to call the API with a bearer token
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{"Content-Length", requestIDHeader},
		MaxAge:         86400,
	})

	return handler.Handler
}
